package render

import (
	"fmt"
	"math"
)

// tierLimit caps a plan's render shape.
type tierLimit struct {
	MaxScenes       int
	MaxSceneSeconds int
	MaxTotalSeconds int
}

var tierLimits = map[string]tierLimit{
	"free":    {MaxScenes: 3, MaxSceneSeconds: 15, MaxTotalSeconds: 45},
	"basic":   {MaxScenes: 5, MaxSceneSeconds: 20, MaxTotalSeconds: 90},
	"premium": {MaxScenes: 10, MaxSceneSeconds: 30, MaxTotalSeconds: 180},
}

func limitsFor(tier string) tierLimit {
	if lim, ok := tierLimits[tier]; ok {
		return lim
	}
	return tierLimits["free"]
}

// validate checks the request shape against its tier before any credits
// are held or blobs touched.
func validate(req *Request) error {
	if req.ProjectID == "" {
		return failf(CodeInvalidArgument, "project_id is required")
	}
	if len(req.Scenes) == 0 {
		return failf(CodeInvalidArgument, "at least one scene is required")
	}
	if req.AudioRef == "" {
		return failf(CodeInvalidArgument, "audio_ref is required")
	}
	if req.ExportPreset != "" && !validPresets[req.ExportPreset] {
		return failf(CodeInvalidArgument, "unknown export_preset %q", req.ExportPreset)
	}
	if req.TargetWidth < 0 || req.TargetHeight < 0 {
		return failf(CodeInvalidArgument, "target resolution must be positive")
	}

	lim := limitsFor(req.UserTier)
	if len(req.Scenes) > lim.MaxScenes {
		return failf(CodeInvalidArgument, "tier %s allows at most %d scenes, got %d",
			req.UserTier, lim.MaxScenes, len(req.Scenes))
	}

	total := 0
	for i, scene := range req.Scenes {
		if scene.Index != i {
			return failf(CodeInvalidArgument, "scene indices must be dense, expected %d got %d", i, scene.Index)
		}
		if scene.DurationSeconds < 1 || scene.DurationSeconds > 60 {
			return failf(CodeInvalidArgument, "scene %d duration %d out of range 1..60", i, scene.DurationSeconds)
		}
		if scene.DurationSeconds > lim.MaxSceneSeconds {
			return failf(CodeInvalidArgument, "scene %d duration %d exceeds tier cap %d",
				i, scene.DurationSeconds, lim.MaxSceneSeconds)
		}
		if scene.Camera != "" && !validCameras[scene.Camera] {
			return failf(CodeInvalidArgument, "scene %d has unknown camera %q", i, scene.Camera)
		}
		if scene.Transition != "" && !validTransitions[scene.Transition] {
			return failf(CodeInvalidArgument, "scene %d has unknown transition %q", i, scene.Transition)
		}
		total += scene.DurationSeconds
	}
	if total > lim.MaxTotalSeconds {
		return failf(CodeInvalidArgument, "total duration %ds exceeds tier cap %ds", total, lim.MaxTotalSeconds)
	}
	return nil
}

// syncDurations redistributes scene durations so their sum covers the
// narration plus a 2-second tail, within the tier's caps. The last scene
// absorbs the remainder. Returns the new durations and a warning when
// the narration could not be fully covered.
func syncDurations(scenes []Scene, narrationSeconds float64, lim tierLimit) ([]int, string) {
	n := len(scenes)
	durations := make([]int, n)
	for i, s := range scenes {
		durations[i] = s.DurationSeconds
	}

	target := int(math.Ceil(narrationSeconds)) + 2
	current := 0
	for _, d := range durations {
		current += d
	}
	if current >= target {
		return durations, ""
	}

	truncated := false
	if target > lim.MaxTotalSeconds {
		target = lim.MaxTotalSeconds
		truncated = true
	}

	base := target / n
	if base < 1 {
		base = 1
	}
	if base > lim.MaxSceneSeconds {
		base = lim.MaxSceneSeconds
		truncated = true
	}
	sum := 0
	for i := 0; i < n-1; i++ {
		durations[i] = base
		sum += base
	}
	last := target - sum
	if last < 1 {
		last = 1
	}
	if last > lim.MaxSceneSeconds {
		last = lim.MaxSceneSeconds
		truncated = true
	}
	durations[n-1] = last

	warning := ""
	if truncated {
		warning = fmt.Sprintf("narration (%.1fs) exceeds tier limits; scene durations truncated", narrationSeconds)
	}
	return durations, warning
}
