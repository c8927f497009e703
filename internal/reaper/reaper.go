// Package reaper enforces capsule retention. It runs as a background
// goroutine inside siftd, deleting capsules older than the configured
// retention window on a cron schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sift-analytics/sift/internal/store"
)

// Config controls the retention sweep.
type Config struct {
	// RetentionDays is the capsule age cutoff. Zero disables the reaper.
	RetentionDays int

	// Schedule is a five-field cron expression. Default: 03:00 daily.
	Schedule string
}

// Reaper deletes expired capsules on a schedule.
type Reaper struct {
	capsules store.CapsuleStore
	cfg      Config
	sched    cron.Schedule
	cancel   context.CancelFunc
	done     chan struct{}

	// now is replaced in tests.
	now func() time.Time
}

// New creates a Reaper. Returns an error for an invalid schedule.
func New(capsules store.CapsuleStore, cfg Config) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", cfg.Schedule, err)
	}
	return &Reaper{capsules: capsules, cfg: cfg, sched: sched, now: time.Now}, nil
}

// Enabled reports whether retention is configured.
func (r *Reaper) Enabled() bool { return r.cfg.RetentionDays > 0 }

// Start begins the background goroutine. A no-op when retention is
// disabled.
func (r *Reaper) Start(ctx context.Context) {
	if !r.Enabled() {
		slog.Info("capsule reaper disabled (retention days is 0)")
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			next := r.sched.Next(r.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.Sweep(ctx)
			}
		}
	}()
	slog.Info("capsule reaper started",
		"retention_days", r.cfg.RetentionDays, "schedule", r.cfg.Schedule)
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Sweep deletes capsules older than the retention window once. Also
// used by Start on each schedule fire.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	cutoff := r.now().AddDate(0, 0, -r.cfg.RetentionDays)
	deleted, err := r.capsules.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("capsule retention sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("capsule retention sweep", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted
}
