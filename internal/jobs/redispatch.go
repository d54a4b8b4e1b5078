// Package jobs runs scheduled background work.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/notify"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/logger"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, rec *records.CallRecord) (notify.Result, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression. Empty disables the job.
	Schedule  string
	BatchSize int
	Timeout   time.Duration
	// MinAge leaves recent records to the dispatch their webhook started.
	MinAge time.Duration
}

// Redispatcher periodically dispatches records whose requested channels were
// never attempted, e.g. after a restart dropped an in-flight dispatch. Failed
// channels stay failed until an operator re-dispatches them. The dispatcher's
// claim makes this safe to run next to live webhook traffic.
type Redispatcher struct {
	store      records.Store
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
	cron       *cron.Cron
	now        func() time.Time
}

func NewRedispatcher(store records.Store, dispatcher Dispatcher, cfg Config, log *zap.Logger) *Redispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Minute
	}
	return &Redispatcher{store: store, dispatcher: dispatcher, cfg: cfg, logger: log, now: time.Now}
}

// Start schedules the job. It is a no-op without a schedule.
func (r *Redispatcher) Start() error {
	if r.cfg.Schedule == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("Notification redispatch failed", zap.Error(err))
			return
		}
		if n > 0 {
			r.logger.Info("Notification redispatch completed", zap.Int("records", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("Notification redispatch scheduled", zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Stop waits for a running job to finish or ctx to expire.
func (r *Redispatcher) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce dispatches one batch of pending records and returns how many were tried.
func (r *Redispatcher) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingNotifications(ctx, r.now().Add(-r.cfg.MinAge), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending notifications: %w", err)
	}
	for i, rec := range pending {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		res, err := r.dispatcher.Dispatch(ctx, rec)
		if err != nil {
			r.logger.Warn("Redispatch failed", logger.CallID(rec.CallID), zap.Error(err))
			continue
		}
		r.logger.Debug("Redispatched", logger.CallID(rec.CallID), zap.Int("attempts", len(res.Attempts)))
	}
	return len(pending), nil
}
