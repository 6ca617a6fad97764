package quorumproxy

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

// RPCClient is the transport a Backend speaks through. *rpc.Client from
// go-ethereum satisfies it in production; tests supply fakes.
type RPCClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// admitter is the subset of Limiter/DistributedLimiter a Backend needs.
type admitter interface {
	TryAcquire() (bool, *NotUntil)
}

// Backend is one upstream node: a name, a transport, and an admission
// control gate. Active-request count is the tie-break the selection engine
// sorts on.
type Backend struct {
	Name      string
	URL       string
	SoftLimit uint32

	log     log.Logger
	client  RPCClient
	limiter admitter
	active  int64
}

// NewBackend wires a Backend around an already-dialed client and a rate
// limiter built for its configured hard limit.
func NewBackend(name, url string, softLimit uint32, limiter admitter, client RPCClient, logger log.Logger) *Backend {
	return &Backend{
		Name:      name,
		URL:       url,
		SoftLimit: softLimit,
		log:       logger,
		client:    client,
		limiter:   limiter,
	}
}

// ActiveCount reports in-flight requests this backend is currently serving.
func (b *Backend) ActiveCount() int64 { return atomic.LoadInt64(&b.active) }

// RequestHandle represents one admitted, in-flight request slot. Release
// must be called exactly once to return the slot.
type RequestHandle struct {
	backend *Backend
	once    sync.Once
}

// Release decrements the backend's active-request count. Safe to call more
// than once; only the first call has effect.
func (h *RequestHandle) Release() {
	h.once.Do(func() {
		atomic.AddInt64(&h.backend.active, -1)
	})
}

// TryIncActiveRequests attempts to admit one request without blocking.
func (b *Backend) TryIncActiveRequests() (*RequestHandle, *NotUntil) {
	ok, notUntil := b.limiter.TryAcquire()
	if !ok {
		return nil, notUntil
	}
	atomic.AddInt64(&b.active, 1)
	return &RequestHandle{backend: b}, nil
}

// WaitForRequestHandle blocks, retrying admission, until either a handle is
// granted or ctx's deadline elapses (returns ErrDeadline).
func (b *Backend) WaitForRequestHandle(ctx context.Context) (*RequestHandle, error) {
	for {
		h, notUntil := b.TryIncActiveRequests()
		if h != nil {
			return h, nil
		}
		wait := time.Until(notUntil.Earliest)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrDeadline
		case <-timer.C:
		}
	}
}

// Request issues a JSON-RPC call against this backend and returns the raw
// result payload.
func (b *Backend) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := b.client.CallContext(ctx, &raw, method, params...); err != nil {
		// A JSON-RPC error answer carries a code (go-ethereum's rpc.Error).
		var coded interface{ ErrorCode() int }
		protocol := errors.As(err, &coded)
		return nil, &UpstreamError{Upstream: b.Name, Protocol: protocol, Err: errors.Wrapf(err, "calling %s", method)}
	}
	return raw, nil
}

// Less orders backends by ascending active-request count, the tie-break
// rule the synced-upstream comparator falls back on.
func (b *Backend) Less(other *Backend) bool { return b.ActiveCount() < other.ActiveCount() }
