package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyreel/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	// keyPrefix is the redis key prefix for durable progress records
	keyPrefix = "storyreel:progress:"
	// subscriberBuffer is the bounded per-subscriber send buffer; a
	// subscriber that falls this far behind is dropped and must
	// resynchronize through the durable mirror
	subscriberBuffer = 16
	// terminalRetention is how long terminal records stay in the local
	// cache for late subscribers before the mirror takes over
	terminalRetention = time.Hour
)

// Bus is the two-layer progress fan-out: an in-process subscriber registry
// for live streams and a throttled durable mirror in redis that survives
// instance restarts.
type Bus struct {
	client     *redis.Client
	writeEvery time.Duration
	ttl        time.Duration
	heartbeat  time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	record      Record
	subs        map[*Subscriber]struct{}
	lastWrite   time.Time
	lastPublish time.Time
	dirty       bool
}

// Subscriber is a live progress stream for one job. The channel closes
// when the job reaches a terminal state, the subscriber falls behind, or
// Close is called.
type Subscriber struct {
	bus   *Bus
	jobID string
	ch    chan Record
	once  sync.Once
}

// Updates returns the subscriber's frame channel.
func (s *Subscriber) Updates() <-chan Record { return s.ch }

// Close deregisters the subscriber.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s.jobID, s)
}

// NewBus creates a progress bus connected to redis.
func NewBus(ctx context.Context) (*Bus, error) {
	addr := fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort)
	client := redis.NewClient(&redis.Options{Addr: addr})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Progress bus initialized", "addr", addr)
	return NewBusWithClient(client), nil
}

// NewBusWithClient creates a bus with an existing redis client (for testing).
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{
		client:     client,
		writeEvery: config.ProgressWriteInterval,
		ttl:        config.ProgressTTL,
		heartbeat:  config.HeartbeatInterval,
		jobs:       make(map[string]*jobState),
	}
}

// Publish merges u into the job's record, emits it to live subscribers,
// and conditionally writes the durable mirror. Live emission never blocks:
// subscribers whose buffers are full are dropped.
func (b *Bus) Publish(ctx context.Context, jobID string, u Update) Record {
	b.mu.Lock()
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobState{
			record: Record{JobID: jobID, Stage: "initializing"},
			subs:   make(map[*Subscriber]struct{}),
		}
		b.jobs[jobID] = js
	}

	js.record = merge(js.record, u)
	js.lastPublish = time.Now()
	record := js.record

	b.emitLocked(js, record)

	terminal := record.Terminal()
	write := terminal || time.Since(js.lastWrite) >= b.writeEvery
	if write {
		js.lastWrite = time.Now()
		js.dirty = false
	} else {
		js.dirty = true
	}

	if terminal {
		for sub := range js.subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		js.subs = make(map[*Subscriber]struct{})
	}
	b.mu.Unlock()

	if write {
		b.writeMirror(ctx, record)
	}
	return record
}

// Subscribe returns a live stream for jobID whose first frame is the
// current snapshot: the local record when this instance is driving the
// job, otherwise the durable mirror. A cold job with no mirror record
// yields a stream with no initial frame.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (*Subscriber, error) {
	sub := &Subscriber{bus: b, jobID: jobID, ch: make(chan Record, subscriberBuffer)}

	b.mu.Lock()
	js, ok := b.jobs[jobID]
	if ok {
		sub.ch <- js.record
		if js.record.Terminal() {
			b.mu.Unlock()
			sub.once.Do(func() { close(sub.ch) })
			return sub, nil
		}
		js.subs[sub] = struct{}{}
		b.mu.Unlock()
		return sub, nil
	}
	b.mu.Unlock()

	// Local cache is cold; resynchronize from the durable mirror.
	snapshot, err := b.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		sub.ch <- *snapshot
		if snapshot.Terminal() {
			sub.once.Do(func() { close(sub.ch) })
			return sub, nil
		}
	}

	b.mu.Lock()
	js, ok = b.jobs[jobID]
	if !ok {
		js = &jobState{
			record: Record{JobID: jobID},
			subs:   make(map[*Subscriber]struct{}),
		}
		if snapshot != nil {
			js.record = *snapshot
		}
		b.jobs[jobID] = js
	}
	js.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Load fetches the durable mirror record for jobID, or nil if absent.
func (b *Bus) Load(ctx context.Context, jobID string) (*Record, error) {
	raw, err := b.client.Get(ctx, keyPrefix+jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress record: %w", err)
	}
	return &record, nil
}

// Run drives heartbeats, deferred mirror flushes, and terminal-record
// eviction until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bus) tick(ctx context.Context) {
	now := time.Now()
	var flush []Record

	b.mu.Lock()
	for jobID, js := range b.jobs {
		if js.record.Terminal() {
			if now.Sub(js.lastPublish) > terminalRetention {
				delete(b.jobs, jobID)
			}
			continue
		}
		if js.dirty && now.Sub(js.lastWrite) >= b.writeEvery {
			js.lastWrite = now
			js.dirty = false
			flush = append(flush, js.record)
		}
		if len(js.subs) > 0 && now.Sub(js.lastPublish) >= b.heartbeat {
			keepalive := js.record
			keepalive.Keepalive = true
			keepalive.UpdatedAt = now
			js.lastPublish = now
			b.emitLocked(js, keepalive)
		}
	}
	b.mu.Unlock()

	for _, record := range flush {
		b.writeMirror(ctx, record)
	}
}

// emitLocked fans a record out to the job's subscribers. Must hold b.mu.
func (b *Bus) emitLocked(js *jobState, record Record) {
	for sub := range js.subs {
		select {
		case sub.ch <- record:
		default:
			// Subscriber can't keep up; drop it. It is expected to
			// reconnect and resynchronize via the durable mirror.
			delete(js.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
			slog.Warn("Dropped slow progress subscriber", "job_id", record.JobID)
		}
	}
}

func (b *Bus) dropLocked(jobID string, sub *Subscriber) {
	if js, ok := b.jobs[jobID]; ok {
		delete(js.subs, sub)
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (b *Bus) writeMirror(ctx context.Context, record Record) {
	raw, err := json.Marshal(record)
	if err != nil {
		slog.Error("Failed to marshal progress record", "job_id", record.JobID, "error", err)
		return
	}
	if err := b.client.Set(ctx, keyPrefix+record.JobID, raw, b.ttl).Err(); err != nil {
		slog.Error("Failed to write progress mirror", "job_id", record.JobID, "error", err)
	}
}

// Close closes the redis connection.
func (b *Bus) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
