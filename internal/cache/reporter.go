// Package cache publishes chain progress snapshots to Redis so external
// observers can follow long runs without holding a reference to the chain.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/events"
)

const (
	keyPrefix       = "chain:"
	defaultTTL      = 900 * time.Second
	defaultInterval = time.Second
)

// Reporter writes point-in-time chain progress to a Redis hash keyed by
// chain run ID. Entries expire so abandoned runs clean themselves up.
type Reporter struct {
	client   *redis.Client
	logger   *log.Logger
	interval time.Duration
	ttl      time.Duration
}

// ReporterOption customizes reporter timing.
type ReporterOption func(*Reporter)

func WithInterval(d time.Duration) ReporterOption { return func(r *Reporter) { r.interval = d } }
func WithTTL(d time.Duration) ReporterOption      { return func(r *Reporter) { r.ttl = d } }

// NewReporter creates a reporter over an existing Redis client.
func NewReporter(client *redis.Client, logger *log.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = log.Default()
	}
	r := &Reporter{
		client:   client,
		logger:   logger,
		interval: defaultInterval,
		ttl:      defaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track snapshots c whenever a task or chain lifecycle event lands on bus,
// plus on the configured interval as a fallback, until the returned stop
// function is called. A nil bus degrades to interval-only tracking. Stop
// writes one final snapshot so the terminal status always lands in the
// cache.
func (r *Reporter) Track(ctx context.Context, c *chain.Chain, bus *events.Bus) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	var unsubs []func()
	if bus != nil {
		handler := func(events.Event) { r.write(ctx, c) }
		for _, typ := range []events.Type{
			events.TaskCompleted,
			events.TaskFailed,
			events.TaskSkipped,
			events.ChainCompleted,
		} {
			unsubs = append(unsubs, bus.Subscribe(typ, handler))
		}
	}

	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				r.write(ctx, c)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.write(ctx, c)
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		for _, unsub := range unsubs {
			unsub()
		}
		close(done)
		<-finished
	}
}

// Write stores a single snapshot immediately.
func (r *Reporter) Write(ctx context.Context, c *chain.Chain) error {
	return r.write(ctx, c)
}

func (r *Reporter) write(ctx context.Context, c *chain.Chain) error {
	progress := c.Progress()
	counts, err := json.Marshal(progress.Counts)
	if err != nil {
		counts = []byte("{}")
	}

	key := keyPrefix + c.ID()
	fields := map[string]any{
		"chain":            c.Name(),
		"status":           string(progress.Status),
		"position":         progress.Position,
		"total":            progress.Total,
		"percent":          progress.Percent,
		"duration_seconds": progress.DurationSeconds,
		"counts":           string(counts),
		"updated":          time.Now().UTC().Format(time.RFC3339),
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("progress snapshot failed", "chain", c.Name(), "err", err)
		return fmt.Errorf("write progress for %q: %w", c.Name(), err)
	}
	return nil
}

// Progress reads back the snapshot hash for a chain run ID.
func (r *Reporter) Progress(ctx context.Context, chainID string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, keyPrefix+chainID).Result()
	if err != nil {
		return nil, fmt.Errorf("read progress for %q: %w", chainID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no progress recorded for %q", chainID)
	}
	return fields, nil
}
