// Package cleanup runs the scheduled sweep that expires overdue invitations.
// Acceptance never depends on it: expiry is also detected when an acceptance is attempted.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/mikepea/access/pkg/access/metrics"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep hourly
const DefaultSchedule = "@every 1h"

// Expirer marks overdue invitations expired and returns how many changed
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int64, error)
}

// Sweeper schedules an Expirer
type Sweeper struct {
	expirer Expirer
	cron    *cron.Cron
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// New creates a sweeper running on schedule, a robfig/cron expression such as "@every 30m" or "0 0 * * * *"
func New(expirer Expirer, schedule string, log *zap.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s := &Sweeper{
		expirer: expirer,
		cron:    cron.New(),
		log:     log,
		metrics: m,
		timeout: time.Minute,
	}
	if err := s.cron.AddFunc(schedule, s.Run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling in the background
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("invitation expiry sweep started")
}

// Stop halts scheduling. A running sweep is not interrupted.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Run performs a single sweep
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		s.metrics.IncSweep("error")
		s.log.Error("invitation expiry sweep failed", zap.Error(err))
		return
	}
	s.metrics.IncSweep("ok")
	s.log.Debug("invitation expiry sweep finished", zap.Int64("expired", n))
}
