package clips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"storyreel/internal/config"
	"storyreel/internal/manifest"
	"storyreel/internal/store"
)

const maxClipSeconds = 8

var (
	// ErrSubmit is returned when a model candidate rejects the job.
	ErrSubmit = errors.New("provider submit failed")
	// ErrTimeout is returned when polling exceeds the per-clip deadline.
	ErrTimeout = errors.New("provider timed out")
	// ErrDownload is returned when a completed result cannot be fetched.
	ErrDownload = errors.New("provider result download failed")
	// ErrNoModelSucceeded is returned when every candidate was exhausted.
	ErrNoModelSucceeded = errors.New("no model succeeded")
	// ErrSourceImageMissing signals that the scene has no source image;
	// the caller is expected to fall back to image-based synthesis.
	ErrSourceImageMissing = errors.New("scene source image missing")
)

// Request describes one scene's clip generation.
type Request struct {
	ProjectID     string
	SceneIndex    int
	Prompt        string
	ImagePath     string
	Duration      int
	Tier          string
	Quality       string
	ModelOverride string
	Force         bool
}

// Result is a generated (or cache-served) clip. Fallback marks a clip
// produced by a model other than the first candidate.
type Result struct {
	ClipPath string `json:"clip_path"`
	ClipURL  string `json:"clip_url"`
	Model    string `json:"model,omitempty"`
	Cached   bool   `json:"cached"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Generator turns one scene image into a short motion clip through the
// external provider, consulting the per-scene clip cache first.
type Generator struct {
	store      store.Store
	provider   Provider
	client     *http.Client
	pollEvery  time.Duration
	timeout    time.Duration
	scratchDir string
}

// NewGenerator wires a generator against a blob store and provider.
func NewGenerator(st store.Store, provider Provider) *Generator {
	return &Generator{
		store:      st,
		provider:   provider,
		client:     &http.Client{Timeout: 5 * time.Minute},
		pollEvery:  config.ClipPollInterval,
		timeout:    config.ClipTimeout,
		scratchDir: config.ScratchDir,
	}
}

// Generate produces the clip for one scene. report receives coarse 0..100
// progress. On a cache hit the clip is served as-is; otherwise candidates
// are tried in order until one completes.
func (g *Generator) Generate(ctx context.Context, req Request, report func(int)) (*Result, error) {
	if report == nil {
		report = func(int) {}
	}
	clipPath := manifest.ClipPath(req.ProjectID, req.SceneIndex)

	if !req.Force {
		ok, err := g.store.Exists(ctx, clipPath)
		if err != nil {
			return nil, fmt.Errorf("failed to probe clip cache: %w", err)
		}
		if ok {
			url, err := g.store.SignedURL(ctx, clipPath, config.SignedURLDraftTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to sign cached clip: %w", err)
			}
			slog.Info("Clip cache hit", "project_id", req.ProjectID, "scene", req.SceneIndex)
			report(100)
			return &Result{ClipPath: clipPath, ClipURL: url, Cached: true}, nil
		}
	}

	// An empty key is a validation error at the store, not a miss
	if req.ImagePath == "" {
		return nil, fmt.Errorf("%w: scene %d", ErrSourceImageMissing, req.SceneIndex)
	}

	exists, err := g.store.Exists(ctx, req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check scene image: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSourceImageMissing, req.ImagePath)
	}

	imageURL, err := g.store.SignedURL(ctx, req.ImagePath, config.SignedURLInternalTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign scene image: %w", err)
	}

	duration := req.Duration
	if duration <= 0 || duration > maxClipSeconds {
		duration = maxClipSeconds
	}
	input := SubmitInput{Prompt: req.Prompt, ImageURL: imageURL, Duration: duration}

	var lastErr error
	for attempt, model := range candidates(req.Tier, req.Quality, req.ModelOverride) {
		result, err := g.tryModel(ctx, model, input, clipPath, report)
		if err == nil {
			result.Model = model
			result.Fallback = attempt > 0
			report(100)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Clip model attempt failed",
			"project_id", req.ProjectID, "scene", req.SceneIndex, "model", model, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrNoModelSucceeded, lastErr)
}

// candidates returns the model fallback chain for a request.
func candidates(tier, quality, override string) []string {
	if override != "" {
		return []string{override}
	}
	if tier == "premium" && quality == "premium" {
		return []string{ModelVeo3, ModelKling, ModelWan}
	}
	return []string{ModelKling, ModelWan, ModelLTX}
}

// tryModel runs one full submit/poll/download attempt against a model.
func (g *Generator) tryModel(ctx context.Context, model string, in SubmitInput, clipPath string, report func(int)) (*Result, error) {
	requestID, err := g.provider.Submit(ctx, model, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	report(10)
	slog.Info("Clip job submitted", "model", model, "request_id", requestID)

	videoURL, err := g.waitForResult(ctx, model, requestID, report)
	if err != nil {
		return nil, err
	}
	report(80)

	if err := g.fetchClip(ctx, videoURL, clipPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	url, err := g.store.SignedURL(ctx, clipPath, config.SignedURLDraftTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign clip: %w", err)
	}
	return &Result{ClipPath: clipPath, ClipURL: url}, nil
}

// waitForResult polls until the job reaches a terminal state or the
// per-clip deadline expires.
func (g *Generator) waitForResult(ctx context.Context, model, requestID string, report func(int)) (string, error) {
	deadline := time.Now().Add(g.timeout)
	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	pct := 10
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: request %s after %s", ErrTimeout, requestID, g.timeout)
		}

		result, err := g.provider.Poll(ctx, model, requestID)
		if err != nil {
			return "", fmt.Errorf("poll failed for request %s: %w", requestID, err)
		}
		switch result.Status {
		case StatusCompleted:
			return result.VideoURL, nil
		case StatusFailed, StatusError:
			return "", fmt.Errorf("provider reported %s for request %s", result.Status, requestID)
		}
		// Non-terminal: creep progress toward the download mark
		if pct < 75 {
			pct += 5
			report(pct)
		}
	}
}

// fetchClip streams the provider result into the clip's blob path.
func (g *Generator) fetchClip(ctx context.Context, videoURL, clipPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result fetch returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(g.scratchDir, "clip-*.mp4")
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := g.store.Upload(ctx, tmp.Name(), clipPath, "video/mp4"); err != nil {
		return fmt.Errorf("failed to upload clip: %w", err)
	}
	slog.Info("Clip uploaded", "path", clipPath, "scratch", filepath.Base(tmp.Name()))
	return nil
}
