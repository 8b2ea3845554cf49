package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBusWithClient(client)
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func TestPercentMonotonicWithinStage(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	r := bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(40)})
	assert.Equal(t, 40, r.Percent)

	// A lower percent in the same stage must not regress
	r = bus.Publish(ctx, "job-1", Update{Percent: Pct(20)})
	assert.Equal(t, 40, r.Percent)

	r = bus.Publish(ctx, "job-1", Update{Percent: Pct(55)})
	assert.Equal(t, 55, r.Percent)

	// A stage change accepts the new percent verbatim
	r = bus.Publish(ctx, "job-1", Update{Stage: "composing", Percent: Pct(75)})
	assert.Equal(t, 75, r.Percent)
}

func TestPercentClamped(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	r := bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(150)})
	assert.Equal(t, 100, r.Percent)

	r = bus.Publish(ctx, "job-2", Update{Stage: "clips", Percent: Pct(-5)})
	assert.Equal(t, 0, r.Percent)
}

func TestSubscribeSnapshotFirst(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(30), Message: "scene 1"})

	sub, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Updates()
	assert.Equal(t, 30, first.Percent)
	assert.Equal(t, "clips", first.Stage)
	assert.Equal(t, "scene 1", first.Message)

	bus.Publish(ctx, "job-1", Update{Percent: Pct(45)})
	next := <-sub.Updates()
	assert.Equal(t, 45, next.Percent)
}

func TestBufferedFramesKeepTheirPerSceneState(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(30), PerScene: map[int]int{0: 50}})

	sub, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	// A later merge must not reach back into the frame already sitting in
	// the subscriber's buffer.
	bus.Publish(ctx, "job-1", Update{PerScene: map[int]int{0: 80}})

	first := <-sub.Updates()
	assert.Equal(t, 50, first.PerScene[0])

	next := <-sub.Updates()
	assert.Equal(t, 80, next.PerScene[0])
}

func TestMergeLeavesUpdateMapUntouched(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	in := map[int]int{0: 10, 1: 150}
	r := bus.Publish(ctx, "job-1", Update{Stage: "clips", PerScene: in})
	assert.Equal(t, 10, r.PerScene[0])
	assert.Equal(t, 100, r.PerScene[1])
	// Clamping happens in the record, not the caller's map
	assert.Equal(t, 150, in[1])

	r = bus.Publish(ctx, "job-1", Update{PerScene: map[int]int{2: 40}})
	assert.Equal(t, 10, r.PerScene[0])
	assert.Equal(t, 40, r.PerScene[2])
}

func TestSubscribeColdCacheUsesMirror(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(50)})

	// Simulate a fresh instance with a cold local cache but a warm mirror
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus2 := NewBusWithClient(client2)
	defer bus2.Close()

	sub, err := bus2.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Updates()
	assert.Equal(t, 50, first.Percent)
	assert.Equal(t, "clips", first.Stage)
}

func TestTerminalAlwaysMirrored(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	// Two rapid publishes: the second is inside the throttle window but
	// terminal, so it must still hit the mirror.
	bus.Publish(ctx, "job-1", Update{Stage: "uploading", Percent: Pct(92)})
	bus.Publish(ctx, "job-1", Update{Stage: "done", Percent: Pct(100), Done: true})

	require.True(t, mr.Exists("storyreel:progress:job-1"))
	record, err := bus.Load(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Done)
	assert.Equal(t, 100, record.Percent)
}

func TestThrottleSkipsIntermediateWrites(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.writeEvery = time.Hour // force the throttle window to stay open
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(10)})
	bus.Publish(ctx, "job-1", Update{Percent: Pct(20)})
	bus.Publish(ctx, "job-1", Update{Percent: Pct(30)})

	record, err := bus.Load(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	// Only the first publish was mirrored; the rest were throttled.
	assert.Equal(t, 10, record.Percent)
}

func TestSubscriberClosedOnTerminal(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(10)})
	sub, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	<-sub.Updates() // snapshot
	bus.Publish(ctx, "job-1", Update{Stage: "done", Percent: Pct(100), Done: true})

	final := <-sub.Updates()
	assert.True(t, final.Done)

	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "job-1", Update{Stage: "clips", Percent: Pct(1)})
	sub, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	// Never read: the snapshot occupies one slot, so overflowing the
	// remaining buffer drops the subscriber and closes the channel.
	for i := 0; i < subscriberBuffer+2; i++ {
		bus.Publish(ctx, "job-1", Update{Percent: Pct(i + 2)})
	}

	deadline := time.After(time.Second)
	open := true
	for open {
		select {
		case _, ok := <-sub.Updates():
			open = ok
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	bus, _ := newTestBus(t)
	sub, err := bus.Subscribe(context.Background(), "nope")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case r, ok := <-sub.Updates():
		if ok {
			t.Fatalf("expected no initial frame, got %+v", r)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
