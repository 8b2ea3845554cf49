package render

import (
	"fmt"
)

// Error codes surfaced to HTTP clients.
const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeClipFailure         = "FAL_CLIP_FAILURE"
	CodeFFmpegFailure       = "FFMPEG_FAILURE"
	CodeInternal            = "INTERNAL"
)

// Failure is a terminal render error with a client-facing code.
type Failure struct {
	Code string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func failf(code, format string, args ...any) *Failure {
	return &Failure{Code: code, Err: fmt.Errorf(format, args...)}
}

// Scene is one unit of animation in a render request.
type Scene struct {
	Index           int    `json:"index"`
	Prompt          string `json:"prompt"`
	Narration       string `json:"narration"`
	DurationSeconds int    `json:"duration_seconds"`
	Camera          string `json:"camera"`
	Transition      string `json:"transition"`
	Quality         string `json:"quality,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

// Request is what the orchestrator consumes. UserID comes from the
// authenticated principal, not the request body.
type Request struct {
	ProjectID    string  `json:"project_id"`
	Scenes       []Scene `json:"scenes"`
	AudioRef     string  `json:"audio_ref"`
	SubtitlesRef string  `json:"subtitles_ref,omitempty"`
	MusicRef     string  `json:"music_ref,omitempty"`
	TargetWidth  int     `json:"target_width"`
	TargetHeight int     `json:"target_height"`
	ExportPreset string  `json:"export_preset"`
	JobID        string  `json:"job_id,omitempty"`
	Force        bool    `json:"force,omitempty"`
	Published    bool    `json:"published,omitempty"`
	UserTier     string  `json:"user_tier"`
	NoSubtitles  bool    `json:"no_subtitles,omitempty"`
	Concurrency  int     `json:"concurrency,omitempty"`

	UserID string `json:"-"`
}

// Response is the successful render result.
type Response struct {
	VideoURL string `json:"video_url"`
	Cached   bool   `json:"cached,omitempty"`
	Engine   string `json:"engine"`
	JobID    string `json:"job_id"`
}

var validCameras = map[string]bool{
	"static": true, "zoom-in": true, "zoom-out": true, "pan-left": true, "pan-right": true,
}

var validTransitions = map[string]bool{
	"fade": true, "dissolve": true, "wipeleft": true, "wiperight": true, "circleopen": true, "none": true,
}

var validPresets = map[string]bool{
	"youtube": true, "tiktok": true, "square": true, "custom": true,
}

// resolutionPlan maps a user tier to its resolution-clamp plan.
func resolutionPlan(tier string) string {
	switch tier {
	case "free":
		return "free"
	case "basic":
		return "basic"
	default:
		return "pro"
	}
}

// aspectFor derives the manifest aspect ratio from preset or dimensions.
func aspectFor(preset string, w, h int) string {
	switch preset {
	case "youtube":
		return "16:9"
	case "tiktok":
		return "9:16"
	case "square":
		return "1:1"
	}
	switch {
	case w == h:
		return "1:1"
	case h > w:
		return "9:16"
	default:
		return "16:9"
	}
}
