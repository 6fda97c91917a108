// Package session implements the Tunnel Session state machine: the
// component that owns one client's bidirectional websocket, fans outbound
// tunneled requests to the wire, fans inbound replies into the
// Pending-Response Table, and tears itself down when either direction of
// the channel terminates.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/svnoak/yats/internal/access"
	"github.com/svnoak/yats/internal/pending"
	"github.com/svnoak/yats/internal/registry"
	"github.com/svnoak/yats/internal/wire"
	"github.com/svnoak/yats/observability"
	"github.com/svnoak/yats/realtime/ws"
)

// State is the session's lifecycle stage. Only Active accepts outbound
// enqueues and inbound frames; there is no reconnect semantics on a
// torn-down session object.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateTearDown
	StateClosed
)

// outboundQueueCapacity bounds the per-session writer queue: many
// dispatcher producers, one writer consumer.
const outboundQueueCapacity = 100

// frame is one item on a session's outbound queue: either a text envelope
// or a control frame (currently only pongs) the writer must relay verbatim.
type frame struct {
	messageType int
	data        []byte
}

// Session owns one client's bidirectional tunnel channel.
type Session struct {
	clientID  string
	allowList access.AllowList
	conn      *ws.Conn
	pending   *pending.Table
	registry  *registry.Registry
	observer  observability.TunnelObserver
	logger    *log.Logger

	outbound chan frame

	mu       sync.Mutex
	state    State
	ownedIDs map[string]struct{} // RequestIds this session has written envelopes for.

	done chan struct{}
}

// Config bundles the dependencies a session is built from.
type Config struct {
	ClientID  string
	AllowList access.AllowList
	Conn      *ws.Conn
	Pending   *pending.Table
	Registry  *registry.Registry
	Observer  observability.TunnelObserver
	Logger    *log.Logger
}

// New builds a Session in the Starting state. Call Run to drive it; Run
// transitions it to Active and blocks until teardown.
func New(cfg Config) *Session {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	return &Session{
		clientID:  cfg.ClientID,
		allowList: cfg.AllowList,
		conn:      cfg.Conn,
		pending:   cfg.Pending,
		registry:  cfg.Registry,
		observer:  obs,
		logger:    cfg.Logger,
		outbound:  make(chan frame, outboundQueueCapacity),
		ownedIDs:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// SetConn attaches the upgraded wire connection. Handshake handlers that
// must register the session (to enforce the uniqueness invariant) before
// performing the transport upgrade call New without a Conn, then SetConn
// once the upgrade succeeds, before calling Run.
func (s *Session) SetConn(conn *ws.Conn) { s.conn = conn }

// ClientID identifies the client this session serves.
func (s *Session) ClientID() string { return s.clientID }

// AllowList returns the client's access-control allow-lists, fixed at
// session creation.
func (s *Session) AllowList() access.AllowList { return s.allowList }

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue hands a serialized TunneledRequest envelope to the session's
// single writer. It records requestID as owned by this session so
// TearDown can later fail it if the envelope never gets a reply. Enqueue
// fails if the session is not Active or the caller's context is done
// before the queue accepts the frame.
func (s *Session) Enqueue(ctx context.Context, requestID string, payload []byte) error {
	if s.getState() != StateActive {
		return errSessionGone
	}
	s.mu.Lock()
	s.ownedIDs[requestID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.outbound <- frame{messageType: websocket.TextMessage, data: payload}:
		return nil
	case <-ctx.Done():
		s.forgetOwned(requestID)
		return ctx.Err()
	case <-s.done:
		s.forgetOwned(requestID)
		return errSessionGone
	}
}

func (s *Session) forgetOwned(requestID string) {
	s.mu.Lock()
	delete(s.ownedIDs, requestID)
	s.mu.Unlock()
}

// Run drives the session's Writer and Receiver loops until either exits,
// then tears down. It blocks until teardown completes.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateActive)

	writerDone := make(chan struct{})
	receiverDone := make(chan struct{})
	var closeReason observability.CloseReason
	var reasonOnce sync.Once
	setReason := func(r observability.CloseReason) { reasonOnce.Do(func() { closeReason = r }) }

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(writerDone)
		s.runWriter(runCtx, setReason)
	}()
	go func() {
		defer close(receiverDone)
		s.runReceiver(runCtx, setReason)
	}()

	select {
	case <-writerDone:
	case <-receiverDone:
	}
	cancel()
	<-writerDone
	<-receiverDone

	s.tearDown(closeReason)
}

// runWriter drains the outbound queue and writes each frame to the wire in
// order. Order of writes into the queue defines order on the wire.
func (s *Session) runWriter(ctx context.Context, setReason func(observability.CloseReason)) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(ctx, f.messageType, f.data); err != nil {
				if s.logger != nil {
					s.logger.Printf("session %s: write error: %v", s.clientID, err)
				}
				setReason(observability.CloseReasonWriteError)
				return
			}
		}
	}
}

// runReceiver reads frames from the wire and dispatches by type.
//
// gorilla/websocket handles ping/pong/close control frames internally
// within ReadMessage and never surfaces them as a returned message type;
// only text and binary frames come back from ReadMessage itself. Ping
// handling is therefore installed as a callback (see enqueuePong), and an
// explicit close frame is tagged via the close handler below so teardown
// can record CloseReasonPeerClosed (a clean, announced close) distinctly
// from CloseReasonReadError (the connection simply dropped).
func (s *Session) runReceiver(ctx context.Context, setReason func(observability.CloseReason)) {
	s.conn.SetPingHandler(func(appData string) error {
		s.enqueuePong(ctx, []byte(appData), setReason)
		return nil
	})
	s.conn.SetCloseHandler(func(code int, text string) error {
		setReason(observability.CloseReasonPeerClosed)
		message := websocket.FormatCloseMessage(code, "")
		_ = s.conn.Underlying().WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		return nil
	})

	for {
		mt, data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				setReason(observability.CloseReasonServerClosing)
			default:
				setReason(observability.CloseReasonReadError)
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			// Accepted and ignored (reserved).
		}
	}
}

// handleText attempts to parse an inbound text frame as a TunneledResponse
// and deliver it to the matching pending slot. A malformed message is
// logged and otherwise ignored — it is not fatal to the session.
func (s *Session) handleText(data []byte) {
	var resp wire.TunneledResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if s.logger != nil {
			s.logger.Printf("session %s: malformed response envelope: %v", s.clientID, err)
		}
		return
	}
	slot, ok := s.pending.Take(resp.ID)
	if !ok {
		// Late reply: the waiter already gave up, or this id was never ours.
		return
	}
	s.observer.PendingCount(s.pending.Len())
	s.forgetOwned(resp.ID)
	slot.Deliver(resp)
}

// enqueuePong relays a ping as a pong onto the outbound queue, preserving
// single-writer discipline: the receiver never writes to the wire
// directly.
func (s *Session) enqueuePong(ctx context.Context, payload []byte, setReason func(observability.CloseReason)) {
	select {
	case s.outbound <- frame{messageType: websocket.PongMessage, data: payload}:
	case <-ctx.Done():
	default:
		setReason(observability.CloseReasonQueueOverflow)
	}
}

// tearDown removes the session from the registry and fails every
// still-owned pending request by dropping its slot: the waiting
// dispatcher falls through to its own timeout once the slot disappears
// without delivery.
func (s *Session) tearDown(reason observability.CloseReason) {
	s.setState(StateTearDown)

	s.registry.Remove(s.clientID, s)

	s.mu.Lock()
	ids := make([]string, 0, len(s.ownedIDs))
	for id := range s.ownedIDs {
		ids = append(ids, id)
	}
	s.ownedIDs = make(map[string]struct{})
	s.mu.Unlock()

	s.pending.TakeMany(ids)
	s.observer.PendingCount(s.pending.Len())

	_ = s.conn.Close()
	s.setState(StateClosed)
	s.observer.Close(reason)
	close(s.done)
}

// RequestClose asks the session to terminate by sending a close frame,
// used by the supervisor on process shutdown; the session then exits
// naturally through its Receiver and Writer.
func (s *Session) RequestClose() {
	_ = s.conn.CloseWithStatus(websocket.CloseNormalClosure, "server shutting down")
}

var errSessionGone = &sessionGoneError{}

type sessionGoneError struct{}

func (*sessionGoneError) Error() string { return "tunnel session is gone" }

// IsSessionGone reports whether err indicates the target session is no
// longer accepting enqueues.
func IsSessionGone(err error) bool {
	_, ok := err.(*sessionGoneError)
	return ok
}
