package render

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"storyreel/internal/clips"
	"storyreel/internal/compose"
	"storyreel/internal/ledger"
	"storyreel/internal/manifest"
	"storyreel/internal/progress"
	"storyreel/internal/store/mock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-memory CreditLedger mirroring the real semantics.
type fakeLedger struct {
	mu           sync.Mutex
	balance      int
	reservations map[string]*ledger.Reservation
	settled      map[string]string
	refunded     []string
}

func newFakeLedger(balance int) *fakeLedger {
	return &fakeLedger{
		balance:      balance,
		reservations: make(map[string]*ledger.Reservation),
		settled:      make(map[string]string),
	}
}

func (f *fakeLedger) Reserve(ctx context.Context, userID, operation, jobID string, credits int) (*ledger.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledger.IdempotencyKey(userID, operation, jobID)
	if r, ok := f.reservations[key]; ok {
		return r, nil
	}
	if f.balance < credits {
		return nil, &ledger.InsufficientCreditsError{Required: credits, Available: f.balance}
	}
	f.balance -= credits
	r := &ledger.Reservation{Key: key, UserID: userID, Operation: operation, JobID: jobID,
		Credits: credits, Status: ledger.StatusReserved}
	f.reservations[key] = r
	return r, nil
}

func (f *fakeLedger) Settle(ctx context.Context, key, status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[key]
	if !ok {
		return ledger.ErrNotFound
	}
	if r.Status != ledger.StatusReserved {
		return nil
	}
	if status == ledger.StatusFailed {
		f.balance += r.Credits
	}
	r.Status = status
	f.settled[key] = status
	return nil
}

func (f *fakeLedger) Refund(ctx context.Context, key, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[key]
	if !ok || r.Status != ledger.StatusCompleted {
		return ledger.ErrNotRefundable
	}
	f.balance += r.Credits
	r.Status = ledger.StatusRefunded
	f.refunded = append(f.refunded, key)
	return nil
}

// fakeClips serves canned results and writes the clip blob so the
// compose phase can download it.
type fakeClips struct {
	store   *mock.MockStore
	failAll bool
	mu      sync.Mutex
	calls   []clips.Request
}

func (f *fakeClips) Generate(ctx context.Context, req clips.Request, report func(int)) (*clips.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.failAll {
		return nil, fmt.Errorf("%w: all candidates failed", clips.ErrNoModelSucceeded)
	}
	if !f.store.Has(req.ImagePath) {
		return nil, fmt.Errorf("%w: %s", clips.ErrSourceImageMissing, req.ImagePath)
	}
	if report != nil {
		report(100)
	}
	clipPath := manifest.ClipPath(req.ProjectID, req.SceneIndex)
	f.store.Put(clipPath, []byte("clip"), "")
	return &clips.Result{ClipPath: clipPath, ClipURL: "https://signed/" + clipPath, Model: clips.ModelKling}, nil
}

// fakeComposer returns a fixed narration duration and writes a dummy
// output file.
type fakeComposer struct {
	narration float64
	mu        sync.Mutex
	jobs      []compose.Job
	fail      bool
}

func (f *fakeComposer) Compose(ctx context.Context, job compose.Job, report func(int)) (string, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.fail {
		return "", &compose.Error{Stage: "mux", Err: fmt.Errorf("boom")}
	}
	if report != nil {
		report(100)
	}
	tmp, err := os.CreateTemp("", "movie-*.mp4")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write([]byte("mp4")); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

func (f *fakeComposer) Duration(ctx context.Context, path string) (float64, error) {
	return f.narration, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *mock.MockStore
	ledger   *fakeLedger
	clips    *fakeClips
	composer *fakeComposer
	bus      *progress.Bus
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	bus := progress.NewBusWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { bus.Close() })

	st := mock.NewMockStore()
	lg := newFakeLedger(balance)
	fc := &fakeClips{store: st}
	cp := &fakeComposer{narration: 12.0}
	return &fixture{
		orch:     New(st, lg, fc, cp, bus),
		store:    st,
		ledger:   lg,
		clips:    fc,
		composer: cp,
		bus:      bus,
	}
}

func (f *fixture) seedProject(project string, scenes int) {
	for i := 0; i < scenes; i++ {
		f.store.Put(fmt.Sprintf("%s/scene-%d-main.jpeg", project, i), []byte("img"), fmt.Sprintf("md5-img-%d", i))
	}
	f.store.Put(project+"/narration.mp3", []byte("audio"), "md5-audio")
}

func renderRequest(project string) Request {
	return Request{
		ProjectID:    project,
		AudioRef:     project + "/narration.mp3",
		UserTier:     "free",
		ExportPreset: "youtube",
		TargetWidth:  1920,
		TargetHeight: 1080,
		JobID:        "job-1",
		UserID:       "user-1",
		Scenes: []Scene{
			{Index: 0, DurationSeconds: 5, Camera: "zoom-in"},
			{Index: 1, DurationSeconds: 5, Camera: "static"},
			{Index: 2, DurationSeconds: 5, Camera: "pan-left"},
		},
	}
}

func TestRenderHappyPath(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	resp, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, resp.VideoURL)
	assert.False(t, resp.Cached)
	assert.Equal(t, manifest.Engine, resp.Engine)
	assert.Equal(t, "job-1", resp.JobID)

	// Final movie uploaded and hydrated into the render cache
	assert.True(t, f.store.Has("proj-1/movie.mp4"))
	require.Len(t, f.store.CopyCalls, 1)
	assert.Equal(t, "proj-1/movie.mp4", f.store.CopyCalls[0][0])

	// Free tier, 3 scenes at the standard rate: 15 credits debited
	assert.Equal(t, 85, f.ledger.balance)
	key := ledger.IdempotencyKey("user-1", "videoRender", "job-1")
	assert.Equal(t, ledger.StatusCompleted, f.ledger.settled[key])

	// Terminal progress mirrored
	record, err := f.bus.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Done)
	assert.Equal(t, 100, record.Percent)
}

func TestRenderCacheHitSecondRun(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)
	balanceAfterFirst := f.ledger.balance
	clipCalls := len(f.clips.calls)

	// Identical manifest, new job: served from cache with no charge
	req := renderRequest("proj-1")
	req.JobID = "job-2"
	resp, err := f.orch.Render(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, resp.Cached)
	assert.Equal(t, balanceAfterFirst, f.ledger.balance, "cache hit must not move credits")
	assert.Equal(t, clipCalls, len(f.clips.calls), "cache hit must not generate clips")

	record, err := f.bus.Load(context.Background(), "job-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Done)
	assert.Equal(t, "cached", record.Message)
}

func TestRenderForceBypassesCache(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)

	req := renderRequest("proj-1")
	req.JobID = "job-2"
	req.Force = true
	resp, err := f.orch.Render(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
}

func TestRenderIdempotentJobID(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)
	balance := f.ledger.balance

	// Same job_id re-driven: the reservation no-ops and the cache serves
	_, err = f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)
	assert.Equal(t, balance, f.ledger.balance)
}

func TestRenderInsufficientCredits(t *testing.T) {
	f := newFixture(t, 3)
	f.seedProject("proj-1", 3)

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	assertCode(t, err, CodeInsufficientCredits)
	assert.Equal(t, 3, f.ledger.balance)
	assert.Empty(t, f.store.UploadCalls)

	record, rerr := f.bus.Load(context.Background(), "job-1")
	require.NoError(t, rerr)
	require.NotNil(t, record)
	assert.NotEmpty(t, record.Error)
}

func TestRenderPremiumRate(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	req := renderRequest("proj-1")
	req.UserTier = "premium"
	_, err := f.orch.Render(context.Background(), req)
	require.NoError(t, err)

	// 3 scenes at the premium rate of 8
	assert.Equal(t, 76, f.ledger.balance)
	require.NotEmpty(t, f.composer.jobs)
	assert.Equal(t, "pro", f.composer.jobs[0].Plan)
}

func TestRenderClipFailureSettlesFailed(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)
	f.clips.failAll = true

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	assertCode(t, err, CodeClipFailure)

	// Hold released, nothing charged
	assert.Equal(t, 100, f.ledger.balance)
	key := ledger.IdempotencyKey("user-1", "videoRender", "job-1")
	assert.Equal(t, ledger.StatusFailed, f.ledger.settled[key])

	record, rerr := f.bus.Load(context.Background(), "job-1")
	require.NoError(t, rerr)
	require.NotNil(t, record)
	assert.NotEmpty(t, record.Error)
	assert.False(t, record.Done)
}

func TestRenderComposeFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)
	f.composer.fail = true

	_, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	assertCode(t, err, CodeFFmpegFailure)
	assert.Equal(t, 100, f.ledger.balance)
}

func TestRenderMissingImageFallsBackToSynthesis(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 2) // scene 2 has no image

	resp, err := f.orch.Render(context.Background(), renderRequest("proj-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.VideoURL)

	// Scene 2 reached the compositor with neither clip nor image
	require.NotEmpty(t, f.composer.jobs)
	job := f.composer.jobs[0]
	assert.Contains(t, job.ClipPaths, 0)
	assert.Contains(t, job.ClipPaths, 1)
	assert.NotContains(t, job.ClipPaths, 2)
}

func TestRenderPublishedReturnsPublicURL(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)

	req := renderRequest("proj-1")
	req.Published = true
	resp, err := f.orch.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, resp.VideoURL, "public.example.com")
	assert.Contains(t, f.store.PublishCalls, "proj-1/movie.mp4")
}

func TestRenderPublishFailureRefunds(t *testing.T) {
	f := newFixture(t, 100)
	f.seedProject("proj-1", 3)
	f.store.PublishFunc = func(ctx context.Context, path string) (string, error) {
		return "", fmt.Errorf("acl service down")
	}

	req := renderRequest("proj-1")
	req.Published = true
	_, err := f.orch.Render(context.Background(), req)
	assertCode(t, err, CodeInternal)

	// The completed settlement was reversed
	assert.Equal(t, 100, f.ledger.balance)
	assert.Len(t, f.ledger.refunded, 1)
}

func TestPublishOnly(t *testing.T) {
	f := newFixture(t, 100)
	f.store.Put("proj-1/movie.mp4", []byte("mp4"), "")

	resp, err := f.orch.Render(context.Background(), Request{ProjectID: "proj-1", Published: true})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Contains(t, resp.VideoURL, "public.example.com")
	assert.Equal(t, 100, f.ledger.balance, "publish-only moves no credits")
}

func TestPublishOnlyRequiresRenderedMovie(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.orch.Render(context.Background(), Request{ProjectID: "proj-1", Published: true})
	assertCode(t, err, CodeInvalidArgument)
}

func TestGenerateClip(t *testing.T) {
	f := newFixture(t, 100)
	f.store.Put("proj-1/scene-2-main.jpeg", []byte("img"), "")

	res, err := f.orch.GenerateClip(context.Background(), ClipRequest{
		ProjectID:  "proj-1",
		SceneIndex: 2,
		Prompt:     "a storm rolling in",
		UserTier:   "free",
	})
	require.NoError(t, err)
	assert.Equal(t, "proj-1/clips/scene-2.mp4", res.ClipPath)
}

func TestGenerateClipNoImage(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.orch.GenerateClip(context.Background(), ClipRequest{ProjectID: "proj-1", SceneIndex: 0})
	assertCode(t, err, CodeInvalidArgument)
}

func TestEtaSeconds(t *testing.T) {
	start := time.Now().Add(-10 * time.Second)
	assert.Zero(t, etaSeconds(start, 0, 4))
	assert.Zero(t, etaSeconds(start, 4, 4))

	// Two of four scenes done in ten seconds projects ten more
	assert.InDelta(t, 10, etaSeconds(start, 2, 4), 1)

	// One of three done projects two more intervals
	assert.InDelta(t, 20, etaSeconds(start, 1, 3), 1)
}
