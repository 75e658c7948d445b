package session

import (
	"time"
)

// Timings groups every delay, timeout and retry budget of the protocol.
// Zero values take the defaults; tests substitute short values.
type Timings struct {
	// ChannelEstablishDelay is the settling window after a successful
	// channel probe before the handshake starts, and the first of the
	// responder's two settling windows after sending its response.
	ChannelEstablishDelay time.Duration

	// ProbeRetryAttempts is the channel probe retry budget.
	ProbeRetryAttempts int

	// ProbeRetryDelay spaces channel probe retries.
	ProbeRetryDelay time.Duration

	// HandshakeTimeout bounds the wait for a handshake response.
	HandshakeTimeout time.Duration

	// HandshakeResponseDelay defers the responder's handshake response so
	// the channel can settle.
	HandshakeResponseDelay time.Duration

	// ChannelStabilizeDelay is the responder's second settling window.
	ChannelStabilizeDelay time.Duration

	// KeepAliveInterval spaces outbound keep-alive messages.
	KeepAliveInterval time.Duration

	// KeepAliveTimeout is the silence threshold the monitor acts on.
	KeepAliveTimeout time.Duration

	// MonitorInterval is the monitor sweep period.
	MonitorInterval time.Duration

	// MaxConnectAttempts is the consecutive-failure budget before the
	// cooldown gate engages.
	MaxConnectAttempts int

	// ConnectionCooldown is the refusal window after the attempt budget
	// is exhausted.
	ConnectionCooldown time.Duration

	// PendingQueueLimit bounds the per-peer outbound queue used while the
	// channel is not yet ready.
	PendingQueueLimit int
}

// DefaultTimings returns the production protocol timings.
func DefaultTimings() Timings {
	return Timings{
		ChannelEstablishDelay:  2 * time.Second,
		ProbeRetryAttempts:     3,
		ProbeRetryDelay:        500 * time.Millisecond,
		HandshakeTimeout:       5 * time.Second,
		HandshakeResponseDelay: 250 * time.Millisecond,
		ChannelStabilizeDelay:  500 * time.Millisecond,
		KeepAliveInterval:      2 * time.Second,
		KeepAliveTimeout:       10 * time.Second,
		MonitorInterval:        1 * time.Second,
		MaxConnectAttempts:     5,
		ConnectionCooldown:     30 * time.Second,
		PendingQueueLimit:      16,
	}
}

func (t Timings) withDefaults() Timings {
	defaults := DefaultTimings()
	if t.ChannelEstablishDelay <= 0 {
		t.ChannelEstablishDelay = defaults.ChannelEstablishDelay
	}
	if t.ProbeRetryAttempts <= 0 {
		t.ProbeRetryAttempts = defaults.ProbeRetryAttempts
	}
	if t.ProbeRetryDelay <= 0 {
		t.ProbeRetryDelay = defaults.ProbeRetryDelay
	}
	if t.HandshakeTimeout <= 0 {
		t.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if t.HandshakeResponseDelay <= 0 {
		t.HandshakeResponseDelay = defaults.HandshakeResponseDelay
	}
	if t.ChannelStabilizeDelay <= 0 {
		t.ChannelStabilizeDelay = defaults.ChannelStabilizeDelay
	}
	if t.KeepAliveInterval <= 0 {
		t.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if t.KeepAliveTimeout <= 0 {
		t.KeepAliveTimeout = defaults.KeepAliveTimeout
	}
	if t.MonitorInterval <= 0 {
		t.MonitorInterval = defaults.MonitorInterval
	}
	if t.MaxConnectAttempts <= 0 {
		t.MaxConnectAttempts = defaults.MaxConnectAttempts
	}
	if t.ConnectionCooldown <= 0 {
		t.ConnectionCooldown = defaults.ConnectionCooldown
	}
	if t.PendingQueueLimit <= 0 {
		t.PendingQueueLimit = defaults.PendingQueueLimit
	}
	return t
}

// sessionState is the internal per-peer protocol state. The registry phase
// is derived from it; the two are updated together under the manager lock.
type sessionState string

const (
	stateTransportConnecting sessionState = "transport_connecting"
	stateChannelProbing      sessionState = "channel_probing"
	stateAwaitingResponse    sessionState = "awaiting_response"
	stateResponding          sessionState = "responding"
	stateKeepAliveActive     sessionState = "keep_alive_active"
	stateFailed              sessionState = "failed"
	stateDisconnected        sessionState = "disconnected"
)

// session is the mutable per-peer protocol context. It is owned by the
// Manager and only ever touched under the manager lock; timer callbacks
// re-acquire that lock and re-check closed plus their state precondition, so
// a fire that lost the race with teardown is a no-op.
type session struct {
	peerID    string
	initiator bool
	state     sessionState

	probeAttempts int

	probeTimer     *time.Timer
	establishTimer *time.Timer
	handshakeTimer *time.Timer
	responseTimer  *time.Timer
	stabilizeTimer *time.Timer
	keepAliveTimer *time.Timer

	// pending holds outbound command payloads queued while the channel is
	// not yet ready. Bounded; full queue rejects.
	pending [][]byte

	closed bool
}

func newSession(peerID string, initiator bool) *session {
	return &session{
		peerID:    peerID,
		initiator: initiator,
		state:     stateTransportConnecting,
	}
}

// cancelTimers stops every outstanding timer. Called under the manager lock
// in the same step that mutates the registry, so no stale fire can act on a
// removed peer.
func (s *session) cancelTimers() {
	for _, timer := range []*time.Timer{
		s.probeTimer,
		s.establishTimer,
		s.handshakeTimer,
		s.responseTimer,
		s.stabilizeTimer,
		s.keepAliveTimer,
	} {
		if timer != nil {
			timer.Stop()
		}
	}
	s.probeTimer = nil
	s.establishTimer = nil
	s.handshakeTimer = nil
	s.responseTimer = nil
	s.stabilizeTimer = nil
	s.keepAliveTimer = nil
}

// close marks the session dead and cancels its timers.
func (s *session) close() {
	s.closed = true
	s.cancelTimers()
	s.pending = nil
}

// enqueue appends one payload to the pending queue, rejecting when full.
func (s *session) enqueue(payload []byte, limit int) bool {
	if len(s.pending) >= limit {
		return false
	}
	s.pending = append(s.pending, payload)
	return true
}

// drain returns and clears the pending queue.
func (s *session) drain() [][]byte {
	pending := s.pending
	s.pending = nil
	return pending
}
