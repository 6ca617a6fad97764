package quorumproxy

import (
	"fmt"
	"time"
)

// Sentinel error kinds the core distinguishes. Every kind, including
// transport failures (*UpstreamError) and rate limiting (*RateLimitedError),
// surfaces to the caller; the selection engine does not retry another
// upstream after a transport failure.
var (
	ErrNoServers       = fmt.Errorf("quorumproxy: no synced upstreams available")
	ErrDeadline        = fmt.Errorf("quorumproxy: deadline exceeded waiting for a request handle")
	ErrIncompleteBlock = fmt.Errorf("quorumproxy: block is missing hash, number, or total difficulty")
	ErrFutureBlock     = fmt.Errorf("quorumproxy: requested block is beyond the known head")
)

// RateLimitedError is returned when every synced upstream denied admission.
// NotUntil.Earliest is the soonest instant at which a retry might succeed.
type RateLimitedError struct {
	NotUntil NotUntil
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("quorumproxy: rate limited, retry after %s", e.NotUntil.Earliest.Format(time.RFC3339Nano))
}

// UpstreamError wraps a transport or protocol failure from a specific
// upstream. The underlying error is preserved via Unwrap so callers can
// still match on errors.Is/errors.As against it.
type UpstreamError struct {
	Upstream string
	Protocol bool // true: the upstream answered with a JSON-RPC error; false: transport failure
	Err      error
}

func (e *UpstreamError) Error() string {
	kind := "transport"
	if e.Protocol {
		kind = "protocol"
	}
	return fmt.Sprintf("quorumproxy: upstream %s %s error: %v", e.Upstream, kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StoreError wraps a failure writing a flushed aggregate to the stat store.
// It is always logged and skipped by the flusher; it never halts the loop.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("quorumproxy: stat store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
