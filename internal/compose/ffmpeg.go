package compose

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"storyreel/internal/config"
)

// Error is a failed ffmpeg invocation. Retryable marks transcode-class
// faults where a different encode path may still succeed.
type Error struct {
	Stage     string
	Retryable bool
	Output    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ffmpeg %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// runner shells out to ffmpeg/ffprobe with bounded teardown: on context
// cancellation the child gets 10 s to exit before it is killed.
type runner struct {
	ffmpeg  string
	ffprobe string
}

func newRunner() *runner {
	return &runner{ffmpeg: config.FFmpegPath, ffprobe: config.FFprobePath}
}

func (r *runner) run(ctx context.Context, stage string, args []string) error {
	cmd := exec.CommandContext(ctx, r.ffmpeg, args...)
	cmd.WaitDelay = 10 * time.Second

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{
			Stage:  stage,
			Output: tail(string(output), 2048),
			Err:    err,
		}
	}
	return nil
}

// probeDuration returns the decoded duration of a media file in seconds.
func (r *runner) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	cmd.WaitDelay = 10 * time.Second

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe duration %q: %w", output, err)
	}
	return seconds, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
