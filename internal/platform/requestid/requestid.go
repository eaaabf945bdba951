// Package requestid mints correlation ids for inbound HTTP requests. Jobs,
// ledger entries and request ids all share the same uuid shape so log lines
// correlate across the API and the worker.
package requestid

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}
