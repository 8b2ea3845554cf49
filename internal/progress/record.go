package progress

import "time"

// Record is the progress snapshot for one render job. It is what SSE
// subscribers receive and what the durable mirror stores.
type Record struct {
	JobID        string      `json:"job_id"`
	Percent      int         `json:"percent"`
	Stage        string      `json:"stage"`
	Message      string      `json:"message,omitempty"`
	ETASeconds   int         `json:"eta_seconds,omitempty"`
	Done         bool        `json:"done"`
	Error        string      `json:"error,omitempty"`
	Warning      string      `json:"warning,omitempty"`
	PerScene     map[int]int `json:"per_scene,omitempty"`
	SceneCount   int         `json:"scene_count,omitempty"`
	CurrentScene int         `json:"current_scene,omitempty"`
	Keepalive    bool        `json:"keepalive,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Terminal reports whether no further updates can follow this record.
func (r Record) Terminal() bool {
	return r.Done || r.Error != ""
}

// Update is a partial progress change merged into a job's Record. Nil
// pointer fields leave the current value untouched.
type Update struct {
	Percent      *int
	Stage        string
	Message      string
	ETASeconds   *int
	Done         bool
	Error        string
	Warning      string
	PerScene     map[int]int
	SceneCount   *int
	CurrentScene *int
}

// Pct is a convenience for building Update literals.
func Pct(p int) *int { return &p }

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// merge applies u to r under the monotonicity rule: within a stage the
// percent can only grow; a stage change accepts the new percent verbatim.
func merge(r Record, u Update) Record {
	stageChanged := u.Stage != "" && u.Stage != r.Stage
	if u.Stage != "" {
		r.Stage = u.Stage
	}
	if u.Percent != nil {
		p := clampPercent(*u.Percent)
		if stageChanged || p > r.Percent {
			r.Percent = p
		}
	}
	if u.Message != "" {
		r.Message = u.Message
	}
	if u.ETASeconds != nil {
		r.ETASeconds = *u.ETASeconds
	}
	if u.Done {
		r.Done = true
	}
	if u.Error != "" {
		r.Error = u.Error
	}
	if u.Warning != "" {
		r.Warning = u.Warning
	}
	if u.PerScene != nil {
		// Record copies handed to subscribers share the map header, so
		// the merged map must be a fresh one.
		merged := make(map[int]int, len(r.PerScene)+len(u.PerScene))
		for i, p := range r.PerScene {
			merged[i] = p
		}
		for i, p := range u.PerScene {
			merged[i] = clampPercent(p)
		}
		r.PerScene = merged
	}
	if u.SceneCount != nil {
		r.SceneCount = *u.SceneCount
	}
	if u.CurrentScene != nil {
		r.CurrentScene = *u.CurrentScene
	}
	r.Keepalive = false
	r.UpdatedAt = time.Now()
	return r
}
