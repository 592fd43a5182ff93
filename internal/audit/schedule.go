package audit

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the retention purge once a day.
const DefaultPurgeSchedule = "@daily"

// StartPurgeSchedule runs PurgeOlderThan with the configured retention on
// the given cron schedule. Stop the returned scheduler on shutdown.
func (a *Auditor) StartPurgeSchedule(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			log.Printf("[ssh-audit] scheduled purge: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[ssh-audit] purge scheduled (%s, retention %d days)", spec, a.retentionDays)
	return c, nil
}
