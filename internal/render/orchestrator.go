package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"storyreel/internal/clips"
	"storyreel/internal/compose"
	"storyreel/internal/config"
	"storyreel/internal/fanout"
	"storyreel/internal/ledger"
	"storyreel/internal/manifest"
	"storyreel/internal/progress"
	"storyreel/internal/store"
)

const operationVideoRender = "videoRender"

// ClipGenerator produces one scene's motion clip.
type ClipGenerator interface {
	Generate(ctx context.Context, req clips.Request, report func(int)) (*clips.Result, error)
}

// Compositor assembles the final MP4 from local artifacts.
type Compositor interface {
	Compose(ctx context.Context, job compose.Job, report func(int)) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// CreditLedger brackets a render with a reservation.
type CreditLedger interface {
	Reserve(ctx context.Context, userID, operation, jobID string, credits int) (*ledger.Reservation, error)
	Settle(ctx context.Context, key, status, errMsg string) error
	Refund(ctx context.Context, key, reason string) error
}

// Orchestrator drives one render job end to end: reserve credits,
// validate, probe the cache, fan out clip generation, compose, upload,
// and settle.
type Orchestrator struct {
	store      store.Store
	ledger     CreditLedger
	clips      ClipGenerator
	compositor Compositor
	bus        *progress.Bus
}

// New wires an orchestrator from its collaborators.
func New(st store.Store, lg CreditLedger, cg ClipGenerator, cp Compositor, bus *progress.Bus) *Orchestrator {
	return &Orchestrator{store: st, ledger: lg, clips: cg, compositor: cp, bus: bus}
}

// Render runs the full state machine for one request.
func (o *Orchestrator) Render(ctx context.Context, req Request) (*Response, error) {
	if len(req.Scenes) == 0 && req.Published {
		return o.PublishOnly(ctx, req.ProjectID)
	}
	if err := validate(&req); err != nil {
		return nil, err
	}

	if req.JobID == "" {
		req.JobID = fmt.Sprintf("render-%s-%d", req.ProjectID, time.Now().Unix())
	}
	jobID := req.JobID

	ctx, cancel := context.WithTimeout(ctx, config.RenderDeadline)
	defer cancel()

	o.bus.Publish(ctx, jobID, progress.Update{
		Stage:      "initializing",
		Percent:    progress.Pct(1),
		SceneCount: progress.Pct(len(req.Scenes)),
	})

	rate := config.CreditRateStandard
	if req.UserTier == "premium" {
		rate = config.CreditRatePremium
	}
	reservation, err := o.ledger.Reserve(ctx, req.UserID, operationVideoRender, jobID, len(req.Scenes)*rate)
	if err != nil {
		var ice *ledger.InsufficientCreditsError
		if errors.As(err, &ice) {
			o.bus.Publish(ctx, jobID, progress.Update{Error: ice.Error()})
			return nil, &Failure{Code: CodeInsufficientCredits, Err: ice}
		}
		return nil, failf(CodeInternal, "credit reservation failed: %v", err)
	}
	key := reservation.Key

	scratch, err := os.MkdirTemp(config.ScratchDir, "render-*")
	if err != nil {
		return nil, o.fail(ctx, jobID, key, CodeInternal, err)
	}
	defer os.RemoveAll(scratch)

	// Narration drives scene timing; it is needed before hashing.
	audioLocal := filepath.Join(scratch, "narration"+filepath.Ext(req.AudioRef))
	if err := o.store.Download(ctx, req.AudioRef, audioLocal); err != nil {
		return nil, o.fail(ctx, jobID, key, CodeInvalidArgument, fmt.Errorf("narration audio unavailable: %w", err))
	}
	narrationSeconds, err := o.compositor.Duration(ctx, audioLocal)
	if err != nil {
		return nil, o.fail(ctx, jobID, key, CodeFFmpegFailure, err)
	}

	durations, warning := syncDurations(req.Scenes, narrationSeconds, limitsFor(req.UserTier))
	for i := range req.Scenes {
		req.Scenes[i].DurationSeconds = durations[i]
	}
	if warning != "" {
		o.bus.Publish(ctx, jobID, progress.Update{Warning: warning})
	}

	m, imagePaths, err := o.buildManifest(ctx, &req)
	if err != nil {
		return nil, o.fail(ctx, jobID, key, CodeInternal, err)
	}
	hash, err := m.Hash()
	if err != nil {
		return nil, o.fail(ctx, jobID, key, CodeInternal, err)
	}

	if !req.Force {
		hit, err := o.store.Exists(ctx, manifest.FinalCachePath(hash))
		if err == nil && hit {
			return o.serveCached(ctx, &req, hash, key)
		}
	}

	clipResults, err := o.clipPhase(ctx, &req, imagePaths)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(ctx, jobID, key, CodeInternal, errors.New("canceled"))
		}
		return nil, o.fail(ctx, jobID, key, CodeClipFailure, err)
	}

	localOut, err := o.composePhase(ctx, &req, clipResults, imagePaths, audioLocal, scratch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(ctx, jobID, key, CodeInternal, errors.New("canceled"))
		}
		return nil, o.fail(ctx, jobID, key, CodeFFmpegFailure, err)
	}

	o.bus.Publish(ctx, jobID, progress.Update{Stage: "uploading", Percent: progress.Pct(92)})
	moviePath := manifest.MoviePath(req.ProjectID)
	if err := o.store.Upload(ctx, localOut, moviePath, "video/mp4"); err != nil {
		return nil, o.fail(ctx, jobID, key, CodeInternal, err)
	}
	if err := o.store.Copy(ctx, moviePath, manifest.FinalCachePath(hash)); err != nil {
		// Cache hydration failure costs future renders, not this one
		slog.Warn("Failed to write render cache", "job_id", jobID, "hash", hash, "error", err)
	}

	if err := o.ledger.Settle(ctx, key, ledger.StatusCompleted, ""); err != nil {
		slog.Error("Failed to settle reservation", "job_id", jobID, "error", err)
	}

	url, err := o.resolveURL(ctx, moviePath, req.Published)
	if err != nil {
		// Post-success failure: the charge stands for nothing deliverable
		if rerr := o.ledger.Refund(ctx, key, "publish failed"); rerr != nil {
			slog.Error("Failed to refund after publish failure", "job_id", jobID, "error", rerr)
		}
		o.bus.Publish(ctx, jobID, progress.Update{Error: err.Error()})
		return nil, failf(CodeInternal, "publish failed: %v", err)
	}

	o.bus.Publish(ctx, jobID, progress.Update{
		Stage:   "done",
		Percent: progress.Pct(100),
		Done:    true,
	})
	slog.Info("Render finished", "job_id", jobID, "project_id", req.ProjectID, "hash", hash)
	return &Response{VideoURL: url, Engine: manifest.Engine, JobID: jobID}, nil
}

// PublishOnly promotes an already-rendered movie to a public URL.
func (o *Orchestrator) PublishOnly(ctx context.Context, projectID string) (*Response, error) {
	if projectID == "" {
		return nil, failf(CodeInvalidArgument, "project_id is required")
	}
	moviePath := manifest.MoviePath(projectID)
	ok, err := o.store.Exists(ctx, moviePath)
	if err != nil {
		return nil, failf(CodeInternal, "failed to check movie: %v", err)
	}
	if !ok {
		return nil, failf(CodeInvalidArgument, "project %s has no rendered movie", projectID)
	}
	url, err := o.store.Publish(ctx, moviePath)
	if err != nil {
		return nil, failf(CodeInternal, "publish failed: %v", err)
	}
	return &Response{VideoURL: url, Cached: true, Engine: manifest.Engine}, nil
}

// ClipRequest is the single-clip generation request.
type ClipRequest struct {
	ProjectID     string `json:"project_id"`
	SceneIndex    int    `json:"scene_index"`
	Prompt        string `json:"prompt,omitempty"`
	VideoSeconds  int    `json:"video_seconds,omitempty"`
	Quality       string `json:"quality,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
	UserTier      string `json:"user_tier,omitempty"`
}

// GenerateClip produces one clip outside a full render.
func (o *Orchestrator) GenerateClip(ctx context.Context, req ClipRequest) (*clips.Result, error) {
	if req.ProjectID == "" {
		return nil, failf(CodeInvalidArgument, "project_id is required")
	}
	imagePath, err := o.sceneImagePath(ctx, req.ProjectID, req.SceneIndex)
	if err != nil {
		return nil, failf(CodeInternal, "failed to locate scene image: %v", err)
	}
	if imagePath == "" {
		return nil, failf(CodeInvalidArgument, "scene %d has no source image", req.SceneIndex)
	}

	result, err := o.clips.Generate(ctx, clips.Request{
		ProjectID:     req.ProjectID,
		SceneIndex:    req.SceneIndex,
		Prompt:        req.Prompt,
		ImagePath:     imagePath,
		Duration:      req.VideoSeconds,
		Tier:          req.UserTier,
		Quality:       req.Quality,
		ModelOverride: req.ModelOverride,
	}, nil)
	if err != nil {
		return nil, &Failure{Code: CodeClipFailure, Err: err}
	}
	return result, nil
}

// serveCached hydrates the project's movie from the render cache. The
// hold is released because a cached render carries no charge.
func (o *Orchestrator) serveCached(ctx context.Context, req *Request, hash, key string) (*Response, error) {
	moviePath := manifest.MoviePath(req.ProjectID)
	if err := o.store.Copy(ctx, manifest.FinalCachePath(hash), moviePath); err != nil {
		return nil, o.fail(ctx, req.JobID, key, CodeInternal, err)
	}
	url, err := o.resolveURL(ctx, moviePath, req.Published)
	if err != nil {
		return nil, o.fail(ctx, req.JobID, key, CodeInternal, err)
	}
	if err := o.ledger.Settle(ctx, key, ledger.StatusFailed, "cache hit"); err != nil {
		slog.Error("Failed to release hold on cache hit", "job_id", req.JobID, "error", err)
	}
	o.bus.Publish(ctx, req.JobID, progress.Update{
		Stage:   "done",
		Percent: progress.Pct(100),
		Message: "cached",
		Done:    true,
	})
	slog.Info("Render served from cache", "job_id", req.JobID, "hash", hash)
	return &Response{VideoURL: url, Cached: true, Engine: manifest.Engine, JobID: req.JobID}, nil
}

// clipPhase fans clip generation out across scenes. A scene whose source
// image is missing falls back to still-image synthesis in the compositor;
// any other per-scene failure fails the render.
func (o *Orchestrator) clipPhase(ctx context.Context, req *Request, imagePaths map[int]string) (map[int]*clips.Result, error) {
	n := len(req.Scenes)
	o.bus.Publish(ctx, req.JobID, progress.Update{Stage: "clips", Percent: progress.Pct(10)})

	results := make([]*clips.Result, n)
	tasks := make([]fanout.Task, n)
	for i, scene := range req.Scenes {
		i, scene := i, scene
		tasks[i] = func(ctx context.Context, report func(int)) error {
			res, err := o.clips.Generate(ctx, clips.Request{
				ProjectID:  req.ProjectID,
				SceneIndex: scene.Index,
				Prompt:     scene.Prompt,
				ImagePath:  imagePaths[scene.Index],
				Duration:   scene.DurationSeconds,
				Tier:       req.UserTier,
				Quality:    scene.Quality,
				Force:      req.Force,
			}, report)
			if err != nil {
				return err
			}
			results[i] = res
			if res.Fallback {
				o.bus.Publish(ctx, req.JobID, progress.Update{
					Message: fmt.Sprintf("scene %d used fallback model %s", scene.Index, res.Model),
				})
			}
			return nil
		}
	}

	start := time.Now()
	runner := fanout.NewRunner(req.Concurrency)
	errs := runner.Run(ctx, tasks, func(snap fanout.Snapshot) {
		pct := 10 + int(float64(60*snap.Completed)/float64(snap.Total)+0.5)
		u := progress.Update{
			Percent:      progress.Pct(pct),
			PerScene:     snap.PerTask,
			CurrentScene: progress.Pct(snap.CurrentIndex),
		}
		if eta := etaSeconds(start, snap.Completed, snap.Total); eta > 0 {
			u.ETASeconds = &eta
		}
		o.bus.Publish(ctx, req.JobID, u)
	})

	out := make(map[int]*clips.Result, n)
	for i, err := range errs {
		if err != nil {
			if errors.Is(err, clips.ErrSourceImageMissing) {
				slog.Warn("Scene has no source image, using synthesis fallback",
					"job_id", req.JobID, "scene", i)
				continue
			}
			return nil, fmt.Errorf("scene %d clip failed: %w", i, err)
		}
		if results[i] != nil {
			out[i] = results[i]
		}
	}
	return out, nil
}

// etaSeconds projects the clip-phase remainder from the completion rate
// so far. Zero until the first scene finishes and once all are done.
func etaSeconds(start time.Time, completed, total int) int {
	if completed <= 0 || completed >= total {
		return 0
	}
	remaining := time.Since(start) / time.Duration(completed) * time.Duration(total-completed)
	return int(remaining.Round(time.Second).Seconds())
}

// composePhase materializes artifacts locally and runs the compositor.
func (o *Orchestrator) composePhase(ctx context.Context, req *Request, clipResults map[int]*clips.Result, imagePaths map[int]string, audioLocal, scratch string) (string, error) {
	o.bus.Publish(ctx, req.JobID, progress.Update{Stage: "composing", Percent: progress.Pct(75)})

	localClips := make(map[int]string, len(clipResults))
	for idx, res := range clipResults {
		local := filepath.Join(scratch, fmt.Sprintf("clip-%d.mp4", idx))
		if err := o.store.Download(ctx, res.ClipPath, local); err != nil {
			return "", fmt.Errorf("failed to download clip %d: %w", idx, err)
		}
		localClips[idx] = local
	}

	localImages := make(map[int]string)
	for idx, path := range imagePaths {
		if _, hasClip := localClips[idx]; hasClip || path == "" {
			continue
		}
		local := filepath.Join(scratch, fmt.Sprintf("image-%d%s", idx, filepath.Ext(path)))
		if err := o.store.Download(ctx, path, local); err != nil {
			return "", fmt.Errorf("failed to download image %d: %w", idx, err)
		}
		localImages[idx] = local
	}

	musicLocal := ""
	if req.MusicRef != "" {
		musicLocal = filepath.Join(scratch, "music"+filepath.Ext(req.MusicRef))
		if err := o.store.Download(ctx, req.MusicRef, musicLocal); err != nil {
			return "", fmt.Errorf("failed to download music: %w", err)
		}
	}
	subsLocal := ""
	if req.SubtitlesRef != "" && !req.NoSubtitles {
		subsLocal = filepath.Join(scratch, "captions.srt")
		if err := o.store.Download(ctx, req.SubtitlesRef, subsLocal); err != nil {
			return "", fmt.Errorf("failed to download subtitles: %w", err)
		}
	}

	scenes := make([]compose.Scene, len(req.Scenes))
	for i, s := range req.Scenes {
		scenes[i] = compose.Scene{Index: s.Index, Duration: s.DurationSeconds, Camera: s.Camera}
	}

	return o.compositor.Compose(ctx, compose.Job{
		ProjectID:    req.ProjectID,
		Scenes:       scenes,
		ClipPaths:    localClips,
		ImagePaths:   localImages,
		AudioPath:    audioLocal,
		MusicPath:    musicLocal,
		SubtitlePath: subsLocal,
		NoSubtitles:  req.NoSubtitles,
		Plan:         resolutionPlan(req.UserTier),
		Width:        req.TargetWidth,
		Height:       req.TargetHeight,
		Preset:       req.ExportPreset,
		ScratchDir:   scratch,
	}, func(p int) {
		o.bus.Publish(ctx, req.JobID, progress.Update{Percent: progress.Pct(75 + p*17/100)})
	})
}

// buildManifest computes the cache manifest and the per-scene image paths
// it was derived from.
func (o *Orchestrator) buildManifest(ctx context.Context, req *Request) (*manifest.Manifest, map[int]string, error) {
	imagePaths := make(map[int]string, len(req.Scenes))
	imageDigests := make([]string, len(req.Scenes))
	for i, scene := range req.Scenes {
		path, err := o.sceneImagePath(ctx, req.ProjectID, scene.Index)
		if err != nil {
			return nil, nil, err
		}
		imagePaths[scene.Index] = path
		if path != "" {
			digest, err := o.store.Digest(ctx, path)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to digest scene %d image: %w", i, err)
			}
			imageDigests[i] = digest
		}
	}

	digestOf := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		return o.store.Digest(ctx, path)
	}
	audioDigest, err := digestOf(req.AudioRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to digest narration: %w", err)
	}
	musicDigest, err := digestOf(req.MusicRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to digest music: %w", err)
	}
	subsDigest := ""
	if !req.NoSubtitles {
		if subsDigest, err = digestOf(req.SubtitlesRef); err != nil {
			return nil, nil, fmt.Errorf("failed to digest subtitles: %w", err)
		}
	}

	plan := resolutionPlan(req.UserTier)
	width, height := compose.ClampResolution(plan, req.TargetWidth, req.TargetHeight)
	specs := make([]manifest.SceneSpec, len(req.Scenes))
	for i, s := range req.Scenes {
		specs[i] = manifest.SceneSpec{Duration: s.DurationSeconds, Camera: s.Camera, Transition: s.Transition}
	}

	return &manifest.Manifest{
		Engine:       manifest.Engine,
		Plan:         plan,
		Width:        width,
		Height:       height,
		AspectRatio:  aspectFor(req.ExportPreset, width, height),
		ExportPreset: req.ExportPreset,
		Scenes:       specs,
		Inputs: manifest.Inputs{
			Images:    imageDigests,
			Audio:     audioDigest,
			Music:     musicDigest,
			Subtitles: subsDigest,
		},
	}, imagePaths, nil
}

var imageVariants = []string{"scene-%d-main.jpeg", "scene-%d-main.png", "scene-%d-0.jpeg", "scene-%d-0.png"}

// sceneImagePath probes the known image naming variants for a scene.
// Returns "" when no image exists.
func (o *Orchestrator) sceneImagePath(ctx context.Context, projectID string, index int) (string, error) {
	for _, variant := range imageVariants {
		path := fmt.Sprintf("%s/%s", projectID, fmt.Sprintf(variant, index))
		ok, err := o.store.Exists(ctx, path)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	}
	return "", nil
}

// resolveURL returns the deliverable URL per the publish flag.
func (o *Orchestrator) resolveURL(ctx context.Context, path string, published bool) (string, error) {
	if published {
		return o.store.Publish(ctx, path)
	}
	return o.store.SignedURL(ctx, path, config.SignedURLDraftTTL)
}

// fail settles the reservation as failed and emits the terminal error
// frame.
func (o *Orchestrator) fail(ctx context.Context, jobID, key, code string, err error) *Failure {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || msg == "canceled" {
		msg = "canceled"
	}
	// Settlement must survive request-context cancellation
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := o.ledger.Settle(sctx, key, ledger.StatusFailed, msg); serr != nil {
		slog.Error("Failed to settle reservation as failed", "job_id", jobID, "error", serr)
	}
	o.bus.Publish(sctx, jobID, progress.Update{Error: msg})
	slog.Error("Render failed", "job_id", jobID, "code", code, "error", err)
	return &Failure{Code: code, Err: err}
}
