// Package scheduler runs periodic housekeeping over the instance store.
// Its single job today is retention: workflow runs that stay incomplete
// past their allowed age are terminated so abandoned waits do not pile up
// forever.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// InstanceTerminator is the interface the sweeper uses to end over-age
// runs. Satisfied by the host (avoids import cycle).
type InstanceTerminator interface {
	TerminateInstance(ctx context.Context, id string) error
}

// RetentionSweeper terminates incomplete instances older than MaxAge on a
// cron cadence.
type RetentionSweeper struct {
	store      store.Store
	terminator InstanceTerminator
	logger     *slog.Logger

	spec   string
	maxAge time.Duration

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewRetentionSweeper creates a sweeper. spec is a standard five-field
// cron expression; maxAge is how long an incomplete run may live.
func NewRetentionSweeper(st store.Store, terminator InstanceTerminator, spec string, maxAge time.Duration, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		store:      st,
		terminator: terminator,
		logger:     logger,
		spec:       spec,
		maxAge:     maxAge,
	}
}

// Start validates the cron spec and launches the sweep schedule.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("retention sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(sweepCtx) }); err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid retention cron spec %q: %s", s.spec, err.Error()).WithCause(err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.Info("retention sweeper started", "spec", s.spec, "max_age", s.maxAge.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep terminates every runnable or suspended instance created before
// the retention cutoff. Exposed so operators can trigger it on demand.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	stale, err := s.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      []schema.InstanceStatus{schema.InstanceStatusRunnable, schema.InstanceStatusSuspended},
		CreatedBefore: &cutoff,
	})
	if err != nil {
		s.logger.Error("retention sweep cannot list instances", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	terminated := 0
	for _, inst := range stale {
		if err := s.terminator.TerminateInstance(ctx, inst.ID); err != nil {
			s.logger.Error("retention sweep cannot terminate instance",
				"instance_id", inst.ID, "error", err)
			continue
		}
		terminated++
	}
	s.logger.Info("retention sweep finished",
		"stale", len(stale), "terminated", terminated, "cutoff", cutoff.Format(time.RFC3339))
}
