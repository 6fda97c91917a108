// Package observability defines the metric events the tunnel multiplexer
// emits, independent of any particular metrics backend.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AttachResult is the outcome of a client's /ws handshake attempt.
type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

// AttachReason further qualifies an AttachResult.
type AttachReason string

const (
	AttachReasonOK               AttachReason = "ok"
	AttachReasonUpgradeError     AttachReason = "upgrade_error"
	AttachReasonInvalidToken     AttachReason = "invalid_token"
	AttachReasonMissingClientID  AttachReason = "missing_client_id"
	AttachReasonInvalidClientID  AttachReason = "invalid_client_id"
	AttachReasonAlreadyConnected AttachReason = "already_connected"
	AttachReasonInvalidQuery     AttachReason = "invalid_query"
)

// CloseReason records why a tunnel session ended.
type CloseReason string

const (
	CloseReasonPeerClosed    CloseReason = "peer_closed"
	CloseReasonReadError     CloseReason = "read_error"
	CloseReasonWriteError    CloseReason = "write_error"
	CloseReasonQueueOverflow CloseReason = "queue_overflow"
	CloseReasonIdleTimeout   CloseReason = "idle_timeout"
	CloseReasonServerClosing CloseReason = "server_closing"
)

// DispatchResult is the outcome of forwarding one public HTTP request
// through a tunnel session.
type DispatchResult string

const (
	DispatchResultOK             DispatchResult = "ok"
	DispatchResultNoSuchClient   DispatchResult = "no_such_client"
	DispatchResultPathNotAllowed DispatchResult = "path_not_allowed"
	DispatchResultIPNotAllowed   DispatchResult = "ip_not_allowed"
	DispatchResultASNNotAllowed  DispatchResult = "asn_not_allowed"
	DispatchResultASNLookupFail  DispatchResult = "asn_lookup_failed"
	DispatchResultTimedOut       DispatchResult = "timed_out"
	DispatchResultBadResponse    DispatchResult = "bad_response"
	DispatchResultForwardFailed  DispatchResult = "forward_failed"
)

// TunnelObserver receives metric events from the registry, sessions, and
// dispatcher.
type TunnelObserver interface {
	// SessionCount reports the current number of registered client sessions.
	SessionCount(n int)
	// Attach records the outcome of a handshake attempt.
	Attach(result AttachResult, reason AttachReason)
	// Close records why a tunnel session ended.
	Close(reason CloseReason)
	// Dispatch records the outcome of forwarding a public request.
	Dispatch(result DispatchResult)
	// DispatchLatency records the round-trip time of a forwarded request,
	// from dispatch to response (or timeout).
	DispatchLatency(d time.Duration)
	// PendingCount reports the current number of in-flight requests awaiting
	// a response across all sessions.
	PendingCount(n int)
}

type noopTunnelObserver struct{}

func (noopTunnelObserver) SessionCount(int)                  {}
func (noopTunnelObserver) Attach(AttachResult, AttachReason) {}
func (noopTunnelObserver) Close(CloseReason)                 {}
func (noopTunnelObserver) Dispatch(DispatchResult)            {}
func (noopTunnelObserver) DispatchLatency(time.Duration)      {}
func (noopTunnelObserver) PendingCount(int)                   {}

// NoopTunnelObserver is a zero-cost observer used when metrics are disabled.
var NoopTunnelObserver TunnelObserver = noopTunnelObserver{}

// AtomicTunnelObserver swaps its delegate at runtime, so metrics can be
// enabled or disabled (e.g. via a SIGUSR1/SIGUSR2 handler) without
// restarting the server.
type AtomicTunnelObserver struct {
	once sync.Once
	v    atomic.Value
}

type tunnelObserverHolder struct {
	obs TunnelObserver
}

// NewAtomicTunnelObserver returns an initialized atomic observer defaulting
// to the no-op implementation.
func NewAtomicTunnelObserver() *AtomicTunnelObserver {
	a := &AtomicTunnelObserver{}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTunnelObserver) Set(obs TunnelObserver) {
	if obs == nil {
		obs = NoopTunnelObserver
	}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	a.v.Store(&tunnelObserverHolder{obs: obs})
}

func (a *AtomicTunnelObserver) load() TunnelObserver {
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a.v.Load().(*tunnelObserverHolder).obs
}

func (a *AtomicTunnelObserver) SessionCount(n int) { a.load().SessionCount(n) }
func (a *AtomicTunnelObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().Attach(result, reason)
}
func (a *AtomicTunnelObserver) Close(reason CloseReason)        { a.load().Close(reason) }
func (a *AtomicTunnelObserver) Dispatch(result DispatchResult)  { a.load().Dispatch(result) }
func (a *AtomicTunnelObserver) DispatchLatency(d time.Duration) { a.load().DispatchLatency(d) }
func (a *AtomicTunnelObserver) PendingCount(n int)              { a.load().PendingCount(n) }
