// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Refresher periodically reloads an allow-list so tables created after
// startup become queryable without a restart.
type Refresher struct {
	cron      *cron.Cron
	allowList *AllowList
	timeout   time.Duration
}

// NewRefresher schedules reloads of allowList. spec is a standard 5-field
// cron expression or a descriptor such as "@every 15m".
func NewRefresher(allowList *AllowList, spec string) (*Refresher, error) {
	r := &Refresher{cron: cron.New(), allowList: allowList, timeout: 30 * time.Second}
	if _, err := r.cron.AddFunc(spec, r.Refresh); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "registering allow-list refresh %q: %w", spec, err)
	}
	return r, nil
}

// Refresh reloads the allow-list. On a failed lookup the previous set stays
// in force until the next run.
func (r *Refresher) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	tables, ok := r.allowList.Reload(ctx)
	if !ok {
		log.Warn().Msg("allow_list_refresh_failed; keeping previous allow-list")
		return
	}
	log.Debug().Int("tables", len(tables)).Msg("allow_list_refreshed")
}

// Start begins the schedule.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of scheduled jobs.
func (r *Refresher) Entries() int {
	return len(r.cron.Entries())
}
