package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storyreel/internal/config"
)

// Scene is one segment of the final video.
type Scene struct {
	Index    int
	Duration int
	Camera   string
}

// Job is everything the compositor needs, already materialized on local
// disk by the caller.
type Job struct {
	ProjectID    string
	Scenes       []Scene
	ClipPaths    map[int]string
	ImagePaths   map[int]string
	AudioPath    string
	MusicPath    string
	SubtitlePath string
	NoSubtitles  bool
	Plan         string
	Width        int
	Height       int
	Preset       string

	// ScratchDir is the caller-owned working directory; intermediate
	// files and the returned movie live under it, and the caller removes
	// it after the upload.
	ScratchDir string
}

// Compositor assembles per-scene clips, narration, music, and subtitles
// into the final MP4 via a sequence of ffmpeg passes over a scratch
// directory.
type Compositor struct {
	runner  *runner
	scratch string
}

// New creates a compositor using the configured ffmpeg binaries.
func New() *Compositor {
	return &Compositor{runner: newRunner(), scratch: config.ScratchDir}
}

// Compose runs the full assembly and returns the local path of the final
// MP4. report receives coarse 0..100 progress.
func (c *Compositor) Compose(ctx context.Context, job Job, report func(int)) (string, error) {
	if report == nil {
		report = func(int) {}
	}
	if len(job.Scenes) == 0 {
		return "", fmt.Errorf("no scenes to compose")
	}
	if job.AudioPath == "" {
		return "", fmt.Errorf("narration audio is required")
	}

	width, height := ClampResolution(job.Plan, job.Width, job.Height)
	base := job.ScratchDir
	if base == "" {
		base = c.scratch
	}
	dir, err := os.MkdirTemp(base, "compose-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	var cues []Cue
	if job.SubtitlePath != "" && !job.NoSubtitles {
		raw, err := os.ReadFile(job.SubtitlePath)
		if err != nil {
			return "", fmt.Errorf("failed to read subtitles: %w", err)
		}
		cues = ParseSRT(string(raw))
	}

	scenePaths := make([]string, len(job.Scenes))
	var offset time.Duration
	for i, scene := range job.Scenes {
		seconds := paddedSeconds(scene.Duration)
		out := filepath.Join(dir, fmt.Sprintf("scene-%d.mp4", scene.Index))

		if err := c.renderScene(ctx, job, scene, cues, offset, seconds, width, height, dir, out); err != nil {
			return "", err
		}
		scenePaths[i] = out
		offset += time.Duration(seconds) * time.Second
		report((i + 1) * 80 / len(job.Scenes))
	}

	concatOut := filepath.Join(dir, "concat.mp4")
	if err := c.concat(ctx, dir, scenePaths, concatOut); err != nil {
		return "", err
	}
	report(90)

	totalSeconds := offset.Seconds()
	finalOut := filepath.Join(dir, "movie.mp4")
	args := muxArgs(concatOut, job.AudioPath, job.MusicPath, totalSeconds, ProfileFor(job.Preset), finalOut)
	if err := c.runner.run(ctx, "mux", args); err != nil {
		return "", err
	}
	report(100)

	slog.Info("Composition finished",
		"project_id", job.ProjectID, "scenes", len(job.Scenes),
		"duration_s", totalSeconds, "resolution", fmt.Sprintf("%dx%d", width, height))
	return finalOut, nil
}

// Duration returns the decoded duration of a local media file.
func (c *Compositor) Duration(ctx context.Context, path string) (float64, error) {
	return c.runner.probeDuration(ctx, path)
}

// renderScene produces one normalized silent scene clip. A subtitle-burn
// failure is retried once without the subtitle filter before giving up.
func (c *Compositor) renderScene(ctx context.Context, job Job, scene Scene, cues []Cue, offset time.Duration, seconds, width, height int, dir, out string) error {
	srtPath := ""
	if len(cues) > 0 {
		window := ExtractWindow(cues, offset, time.Duration(seconds)*time.Second)
		if len(window) > 0 {
			srtPath = filepath.Join(dir, fmt.Sprintf("scene-%d.srt", scene.Index))
			if err := os.WriteFile(srtPath, []byte(FormatSRT(window)), 0o644); err != nil {
				return fmt.Errorf("failed to write scene subtitles: %w", err)
			}
		}
	}

	err := c.runner.run(ctx, "scene", c.sceneArgs(job, scene, seconds, width, height, srtPath, out))
	if err == nil {
		return nil
	}
	var ffErr *Error
	if srtPath != "" && errors.As(err, &ffErr) {
		slog.Warn("Scene subtitle burn failed, retrying without subtitles",
			"project_id", job.ProjectID, "scene", scene.Index, "output", ffErr.Output)
		return c.runner.run(ctx, "scene", c.sceneArgs(job, scene, seconds, width, height, "", out))
	}
	return err
}

// sceneArgs selects the input path for a scene: generated clip, still
// image with camera motion, or a black frame as last resort.
func (c *Compositor) sceneArgs(job Job, scene Scene, seconds, width, height int, srtPath, out string) []string {
	var extra []string
	if scene.Duration < minSceneSeconds {
		extra = append(extra, padFilter(scene.Duration))
	}
	if srtPath != "" {
		extra = append(extra, subtitleFilter(srtPath))
	}
	if job.Plan == "free" {
		extra = append(extra, watermarkFilter())
	}

	// Pad via tpad happens inside the filter chain; the input is trimmed
	// to the requested duration first.
	trim := scene.Duration
	if trim <= 0 {
		trim = seconds
	}

	if clip, ok := job.ClipPaths[scene.Index]; ok && clip != "" {
		return sceneClipArgs(clip, trim, width, height, extra, out)
	}
	if img, ok := job.ImagePaths[scene.Index]; ok && img != "" {
		return sceneStillArgs(img, scene.Camera, trim, width, height, extra, out)
	}
	return sceneBlackArgs(trim, width, height, extra, out)
}

// concat joins scenes with stream copy, falling back to transcode when
// the copy path rejects the inputs.
func (c *Compositor) concat(ctx context.Context, dir string, scenePaths []string, out string) error {
	var list strings.Builder
	for _, p := range scenePaths {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	listPath := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	err := c.runner.run(ctx, "concat", concatArgs(listPath, out, true))
	if err == nil {
		return nil
	}
	var ffErr *Error
	if errors.As(err, &ffErr) {
		slog.Warn("Stream-copy concat failed, retrying with transcode", "output", ffErr.Output)
		return c.runner.run(ctx, "concat", concatArgs(listPath, out, false))
	}
	return err
}

func paddedSeconds(d int) int {
	if d < minSceneSeconds {
		return minSceneSeconds
	}
	return d
}
