// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package health

import "time"

// Metrics exposes the current state of a protected resource for monitoring
// and operator visibility. All fields are point-in-time snapshots safe
// to serialize to JSON.
type Metrics struct {
	Name              string     `json:"name"`
	State             string     `json:"state"`
	FailureCount      int64      `json:"failure_count"`
	HalfOpenSuccesses int64      `json:"half_open_successes"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	RetryAfter        *time.Time `json:"retry_after,omitempty"`
	Available         bool       `json:"available"`
}
