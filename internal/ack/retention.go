package ack

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Retention deletes delivery logs older than Days on a cron schedule.
type Retention struct {
	store    storage.Store
	log      logx.Logger
	days     int
	schedule string
	loc      *time.Location
	now      func() time.Time

	c *cron.Cron
}

func NewRetention(store storage.Store, days int, schedule string, loc *time.Location, log logx.Logger) *Retention {
	if log.IsZero() {
		log = logx.Nop()
	}
	if schedule == "" {
		schedule = "@daily"
	}
	if loc == nil {
		loc = time.Local
	}
	return &Retention{store: store, log: log, days: days, schedule: schedule, loc: loc, now: time.Now}
}

// Sweep removes logs whose day is more than Days before today.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	if r.days <= 0 {
		return 0, nil
	}
	before := r.now().In(r.loc).AddDate(0, 0, -r.days).Format(storage.DayLayout)
	n, err := r.store.PruneDeliveries(ctx, before)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.log.Info("old delivery logs removed", logx.Int("count", n), logx.String("before", before))
	}
	return n, nil
}

// Start sweeps once, then schedules periodic sweeps.
func (r *Retention) Start(ctx context.Context) error {
	if r.days <= 0 {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(r.loc))
	if _, err := c.AddFunc(r.schedule, func() {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := r.Sweep(sctx); err != nil {
			r.log.Warn("delivery log sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	if _, err := r.Sweep(ctx); err != nil {
		r.log.Warn("delivery log sweep failed", logx.Err(err))
	}
	r.c = c
	c.Start()
	return nil
}

func (r *Retention) Stop(ctx context.Context) {
	if r.c == nil {
		return
	}
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
}
