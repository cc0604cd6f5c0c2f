package audit

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Retention runs PurgeOlderThan on a cron schedule.
type Retention struct {
	cron *cron.Cron
}

// StartRetention schedules purges of entries older than the auditor's
// retention period. schedule accepts standard 5-field specs and descriptors
// such as "@daily" or "@every 6h".
func StartRetention(a *Auditor, schedule string) (*Retention, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		a.PurgeOlderThan(0)
	})
	if err != nil {
		return nil, fmt.Errorf("parse audit purge schedule %q: %w", schedule, err)
	}
	c.Start()
	a.log.Info().Str("schedule", schedule).Int("retention_days", a.retentionDays).Msg("audit retention scheduled")
	return &Retention{cron: c}, nil
}

// Stop prevents further purges and waits for a running one to finish or for
// ctx to expire.
func (r *Retention) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
