package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Keepalive refetches the profile on a schedule while a session is active,
// so a paid subscription unblocks a bank admin without a manual reload.
type Keepalive struct {
	manager *Manager
	logger  *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewKeepalive creates a stopped keepalive for m.
func NewKeepalive(m *Manager, logger *zap.Logger) *Keepalive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keepalive{manager: m, logger: logger.Named("keepalive"), timeout: 15 * time.Second}
}

// ParseSchedule accepts a Go duration ("5m") or a standard cron expression.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(interval), nil
	}
	return cron.ParseStandard(schedule)
}

// Start begins refetching on schedule. Calling Start twice is a no-op.
func (k *Keepalive) Start(ctx context.Context, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("keepalive schedule %q: %w", schedule, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return nil
	}
	k.cron = cron.New()
	k.cron.Schedule(sched, cron.FuncJob(func() { k.tick(ctx) }))
	k.cron.Start()
	k.logger.Info("keepalive started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running refetch to finish.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (k *Keepalive) tick(ctx context.Context) {
	if ctx.Err() != nil || !k.manager.Snapshot().IsAuthenticated {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if _, err := k.manager.CurrentUser(tctx); err != nil {
		k.logger.Warn("profile refetch failed", zap.Error(err))
	}
}
