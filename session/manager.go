package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrGrillet/Light-box-besktop/protocol"
	"github.com/MrGrillet/Light-box-besktop/transport"
)

var (
	// ErrCooldownActive indicates the peer's attempt budget is exhausted
	// and the cooldown window has not elapsed.
	ErrCooldownActive = errors.New("session: connection attempts cooling down")
	// ErrPeerNotConnected indicates there is no active session for the peer.
	ErrPeerNotConnected = errors.New("session: peer not connected")
	// ErrQueueFull indicates the pre-ready outbound queue rejected a payload.
	ErrQueueFull = errors.New("session: outbound queue full")
	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("session: manager closed")
)

// Store persists device records and connection audit events. Implementations
// must be safe for concurrent use. All methods are best-effort from the
// manager's perspective; failures surface on the Errors channel.
type Store interface {
	UpsertDevice(id, platform, name, address string, seenAt time.Time) error
	MarkDeviceStatus(id, status string, at time.Time) error
	RecordConnectionEvent(deviceID, event, detail string, at time.Time) error
}

// Options configures a Manager.
type Options struct {
	// DeviceID is the formatted local device identifier.
	DeviceID string
	// Platform is the local platform tag ("macos" or "ios").
	Platform string

	Transport transport.Transport

	// Registry defaults to a fresh one.
	Registry *Registry

	// Store is optional persistence for device records and audit events.
	Store Store

	Timings Timings

	Logger *logrus.Logger

	// OnCommand receives decoded command messages from authenticated peers.
	OnCommand func(peerID string, command protocol.Command)
}

func (o Options) withDefaults() Options {
	o.Timings = o.Timings.withDefaults()
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}

func (o Options) validate() error {
	if o.DeviceID == "" {
		return errors.New("session: device ID is required")
	}
	if o.Transport == nil {
		return errors.New("session: transport is required")
	}
	return nil
}

// Manager owns every peer session and serializes all state transitions. One
// lock covers the session table and each session's state; timer callbacks
// re-acquire it and re-check their preconditions before acting, so a timer
// that lost the race with removal never touches stale state.
type Manager struct {
	opts      Options
	log       *logrus.Entry
	registry  *Registry
	transport transport.Transport

	mu       sync.Mutex
	sessions map[string]*session

	errs chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager validates options, installs transport handlers, and returns a
// manager. Call Start to begin monitor sweeps.
func NewManager(options Options) (*Manager, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	m := &Manager{
		opts:      opts,
		log:       opts.Logger.WithField("component", "session"),
		registry:  opts.Registry,
		transport: opts.Transport,
		sessions:  make(map[string]*session),
		errs:      make(chan error, 16),
		closed:    make(chan struct{}),
	}

	m.transport.SetHandlers(transport.Handlers{
		OnReceive:          m.handleReceive,
		OnPeerStateChanged: m.handlePeerState,
	})

	return m, nil
}

// Start launches the connection monitor sweep loop.
func (m *Manager) Start() {
	go m.monitorLoop()
}

// Registry returns the peer registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Errors returns the asynchronous error stream. Errors are dropped, never
// blocked on, when the consumer falls behind.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Connect begins a connection attempt toward a peer, subject to the cooldown
// gate: once MaxConnectAttempts consecutive failures accumulate, further
// attempts are refused until ConnectionCooldown has elapsed since the last
// attempt, at which point the counter resets and attempts resume.
func (m *Manager) Connect(peerID, address string) error {
	if m.isClosed() {
		return ErrClosed
	}

	now := time.Now()

	m.mu.Lock()
	if existing := m.sessions[peerID]; existing != nil && !existing.closed {
		m.mu.Unlock()
		return nil
	}

	if peer, ok := m.registry.Get(peerID); ok {
		if peer.FailedAttempts >= m.opts.Timings.MaxConnectAttempts {
			if now.Sub(peer.LastAttemptAt) < m.opts.Timings.ConnectionCooldown {
				m.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrCooldownActive, peerID)
			}
			m.registry.ResetFailures(peerID)
		}
		m.registry.RecordAttempt(peerID, now)
		m.registry.SetPhase(peerID, PhaseConnecting, "")
		if address != "" {
			m.registry.Upsert(withAddress(mustGet(m.registry, peerID), address))
		}
	} else {
		m.registry.Upsert(Peer{
			ID:            peerID,
			Address:       address,
			Phase:         PhaseConnecting,
			LastAttemptAt: now,
		})
	}

	m.sessions[peerID] = newSession(peerID, true)
	m.mu.Unlock()

	m.log.WithField("peer", peerID).Info("connection attempt started")
	m.storeDevice(peerID, address, now)
	m.storeEvent(peerID, "connect_attempt", "")

	if err := m.transport.Connect(transport.Target{DeviceID: peerID, Address: address}); err != nil {
		m.mu.Lock()
		if s := m.sessions[peerID]; s != nil && !s.closed {
			m.failLocked(s, fmt.Sprintf("transport connect refused: %v", err))
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears a peer's session down locally: timers cancelled, peer
// removed from the connected set, transport link dropped.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	if s := m.sessions[peerID]; s != nil && !s.closed {
		s.close()
		delete(m.sessions, peerID)
		m.registry.SetPhase(peerID, PhaseDisconnected, "")
	}
	m.mu.Unlock()

	m.storeEvent(peerID, "disconnected", "local teardown")
	m.transport.Disconnect(peerID)
}

// Remove drops the peer entirely: session timers are cancelled in the same
// step that removes the registry entry, then the transport link is dropped.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	if s := m.sessions[peerID]; s != nil {
		s.close()
		delete(m.sessions, peerID)
	}
	m.registry.Remove(peerID)
	m.mu.Unlock()

	m.transport.Disconnect(peerID)
}

// Close shuts the manager down, tearing down every session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		for peerID, s := range m.sessions {
			s.close()
			m.registry.SetPhase(peerID, PhaseDisconnected, "")
		}
		m.sessions = make(map[string]*session)
		m.mu.Unlock()
	})
	return nil
}

// StartVideo asks the peer to begin streaming at the given quality.
func (m *Manager) StartVideo(peerID, quality string) error {
	return m.sendCommand(peerID, protocol.NewStartVideo(quality))
}

// SetFlashlight toggles the peer's flashlight.
func (m *Manager) SetFlashlight(peerID string, on bool) error {
	return m.sendCommand(peerID, protocol.NewFlashlight(on))
}

// SetFlashIntensity adjusts the peer's flash intensity.
func (m *Manager) SetFlashIntensity(peerID string, intensity float64) error {
	return m.sendCommand(peerID, protocol.NewSetFlashIntensity(intensity))
}

// AcknowledgeVideo reports local video pipeline status back to the peer.
func (m *Manager) AcknowledgeVideo(peerID, status, quality string) error {
	return m.sendCommand(peerID, protocol.NewVideoAck(status, quality))
}

// AcknowledgeFlashlight reports the applied flashlight state back to the peer.
func (m *Manager) AcknowledgeFlashlight(peerID string, on bool) error {
	return m.sendCommand(peerID, protocol.NewFlashlightAck(on))
}

// sendCommand delivers a command to an active peer, or queues it in the
// bounded pre-ready queue while the channel is still being established.
func (m *Manager) sendCommand(peerID string, command protocol.Command) error {
	payload, err := protocol.Encode(command)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[peerID]
	if s == nil || s.closed {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	if s.state != stateKeepAliveActive {
		if !s.enqueue(payload, m.opts.Timings.PendingQueueLimit) {
			return fmt.Errorf("%w: %s", ErrQueueFull, peerID)
		}
		return nil
	}
	return m.transport.Send(peerID, payload)
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// handlePeerState reacts to transport link transitions.
func (m *Manager) handlePeerState(peerID string, state transport.PeerState) {
	switch state {
	case transport.StateConnecting:
		m.mu.Lock()
		if s := m.sessions[peerID]; s != nil && !s.closed && s.state == stateTransportConnecting {
			m.registry.SetPhase(peerID, PhaseConnecting, "")
		}
		m.mu.Unlock()

	case transport.StateConnected:
		m.mu.Lock()
		s := m.sessions[peerID]
		if s == nil || s.closed {
			// Inbound connection: act as responder.
			s = newSession(peerID, false)
			m.sessions[peerID] = s
			if _, ok := m.registry.Get(peerID); !ok {
				m.registry.Upsert(Peer{ID: peerID, Phase: PhaseConnecting, LastAttemptAt: time.Now()})
			} else {
				m.registry.RecordAttempt(peerID, time.Now())
			}
		}
		if s.state != stateTransportConnecting {
			m.mu.Unlock()
			return
		}
		s.state = stateChannelProbing
		m.registry.SetPhase(peerID, PhaseChannelProbing, "")
		m.log.WithFields(logrus.Fields{"peer": peerID, "initiator": s.initiator}).Info("transport connected, probing channel")
		if s.initiator {
			m.sendProbeLocked(s)
		}
		m.mu.Unlock()

	case transport.StateDisconnected:
		m.mu.Lock()
		s := m.sessions[peerID]
		if s != nil && !s.closed {
			m.failLocked(s, "transport disconnected")
			m.mu.Unlock()
			return
		}
		// Trailing event after local teardown or failure: keep the
		// terminal phase already recorded.
		if peer, ok := m.registry.Get(peerID); ok && peer.Phase != PhaseFailed && peer.Phase != PhaseDisconnected {
			m.registry.SetPhase(peerID, PhaseDisconnected, "")
		}
		m.mu.Unlock()
	}
}

// sendProbeLocked sends one channel probe and arms either a retry or the
// settling window leading into the handshake. Caller holds the lock.
func (m *Manager) sendProbeLocked(s *session) {
	if !m.transport.IsConnected(s.peerID) {
		m.failLocked(s, "transport lost during channel probe")
		return
	}

	payload, err := protocol.Encode(protocol.NewChannelProbe(m.opts.DeviceID))
	if err != nil {
		m.failLocked(s, fmt.Sprintf("encode channel probe: %v", err))
		return
	}

	if err := m.transport.Send(s.peerID, payload); err != nil {
		s.probeAttempts++
		if s.probeAttempts > m.opts.Timings.ProbeRetryAttempts {
			m.failLocked(s, "channel probe retries exhausted")
			return
		}
		m.log.WithFields(logrus.Fields{
			"peer":    s.peerID,
			"attempt": s.probeAttempts,
		}).Debug("channel probe send failed, retrying")
		s.probeTimer = time.AfterFunc(m.opts.Timings.ProbeRetryDelay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s.closed || s.state != stateChannelProbing {
				return
			}
			m.sendProbeLocked(s)
		})
		return
	}

	// Probe accepted; let the channel settle before the handshake.
	s.establishTimer = time.AfterFunc(m.opts.Timings.ChannelEstablishDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s.closed || s.state != stateChannelProbing {
			return
		}
		if !m.transport.IsConnected(s.peerID) {
			m.failLocked(s, "transport lost while channel settled")
			return
		}
		m.beginHandshakeLocked(s)
	})
}

// beginHandshakeLocked sends the handshake request and arms the handshake
// timeout. Caller holds the lock.
func (m *Manager) beginHandshakeLocked(s *session) {
	payload, err := protocol.Encode(protocol.NewHandshakeRequest(m.opts.DeviceID, m.opts.Platform))
	if err != nil {
		m.failLocked(s, fmt.Sprintf("encode handshake request: %v", err))
		return
	}

	s.state = stateAwaitingResponse
	m.registry.SetPhase(s.peerID, PhaseHandshakeSent, "")

	if err := m.transport.Send(s.peerID, payload); err != nil {
		m.failLocked(s, fmt.Sprintf("handshake request send failed: %v", err))
		return
	}
	m.log.WithField("peer", s.peerID).Info("handshake request sent")

	s.handshakeTimer = time.AfterFunc(m.opts.Timings.HandshakeTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s.closed || s.state != stateAwaitingResponse {
			return
		}
		m.failLocked(s, "handshake timeout")
	})
}

// handleReceive classifies one inbound payload and dispatches it. Malformed
// and unknown messages are logged and dropped, never fatal.
func (m *Manager) handleReceive(peerID string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Debug("dropping undecodable message")
		return
	}

	switch msg.Type {
	case protocol.TypeKeepAlive:
		m.registry.MarkKeepAlive(peerID, time.Now())

	case protocol.TypeChannelProbe:
		m.log.WithField("peer", peerID).Debug("channel probe received")

	case protocol.TypeHandshakeRequest:
		m.handleHandshakeRequest(peerID, msg.Handshake)

	case protocol.TypeHandshakeResponse:
		m.handleHandshakeResponse(peerID)

	case protocol.TypeCommand:
		m.log.WithFields(logrus.Fields{
			"peer":    peerID,
			"command": msg.Command.Command,
		}).Debug("command received")
		if m.opts.OnCommand != nil {
			m.opts.OnCommand(peerID, *msg.Command)
		}

	case protocol.TypeError:
		m.log.WithFields(logrus.Fields{
			"peer": peerID,
			"code": msg.Err.Code,
		}).Warn(msg.Err.Message)
		m.reportError(fmt.Errorf("peer %s reported error [%s]: %s", peerID, msg.Err.Code, msg.Err.Message))
	}
}

// handleHandshakeRequest drives the responder path: a delayed response, then
// two sequential settling windows, each re-verifying the link is still up
// and the handshake not already completed, before marking the peer
// authenticated.
func (m *Manager) handleHandshakeRequest(peerID string, handshake *protocol.HandshakePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[peerID]
	if s == nil || s.closed || s.initiator || s.state != stateChannelProbing {
		return
	}

	if handshake.Platform != "" {
		m.registry.Upsert(withPlatform(mustGet(m.registry, peerID), handshake.Platform))
	}

	s.state = stateResponding
	m.log.WithField("peer", peerID).Info("handshake request received, responding")

	s.responseTimer = time.AfterFunc(m.opts.Timings.HandshakeResponseDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s.closed || s.state != stateResponding {
			return
		}
		if !m.transport.IsConnected(s.peerID) {
			m.failLocked(s, "transport lost before handshake response")
			return
		}

		payload, err := protocol.Encode(protocol.NewHandshakeResponse(m.opts.DeviceID, m.opts.Platform))
		if err != nil {
			m.failLocked(s, fmt.Sprintf("encode handshake response: %v", err))
			return
		}
		if err := m.transport.Send(s.peerID, payload); err != nil {
			m.failLocked(s, fmt.Sprintf("handshake response send failed: %v", err))
			return
		}
		m.registry.SetPhase(s.peerID, PhaseHandshakeSent, "")

		s.establishTimer = time.AfterFunc(m.opts.Timings.ChannelEstablishDelay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s.closed || s.state != stateResponding {
				return
			}
			if !m.transport.IsConnected(s.peerID) {
				m.failLocked(s, "transport lost while channel settled")
				return
			}

			s.stabilizeTimer = time.AfterFunc(m.opts.Timings.ChannelStabilizeDelay, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if s.closed || s.state != stateResponding {
					return
				}
				if !m.transport.IsConnected(s.peerID) {
					m.failLocked(s, "transport lost while channel stabilized")
					return
				}
				m.completeHandshakeLocked(s)
			})
		})
	})
}

// handleHandshakeResponse completes the initiator path.
func (m *Manager) handleHandshakeResponse(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[peerID]
	if s == nil || s.closed || !s.initiator || s.state != stateAwaitingResponse {
		return
	}
	m.completeHandshakeLocked(s)
}

// completeHandshakeLocked finishes the handshake: peer authenticated, added
// to the connected set, handshake timers cancelled, keep-alive loop started,
// and any queued commands flushed. Caller holds the lock.
func (m *Manager) completeHandshakeLocked(s *session) {
	s.cancelTimers()
	s.state = stateKeepAliveActive
	now := time.Now()

	m.registry.SetAuthenticated(s.peerID)
	m.registry.SetPhase(s.peerID, PhaseConnected, "")
	m.registry.MarkKeepAlive(s.peerID, now)
	m.registry.ResetFailures(s.peerID)

	m.log.WithField("peer", s.peerID).Info("handshake completed, keep-alive active")
	m.storeEvent(s.peerID, "connected", "")
	if m.opts.Store != nil {
		if err := m.opts.Store.MarkDeviceStatus(s.peerID, "connected", now); err != nil {
			m.reportError(fmt.Errorf("mark device status: %w", err))
		}
	}

	m.scheduleKeepAliveLocked(s)

	for _, payload := range s.drain() {
		if err := m.transport.Send(s.peerID, payload); err != nil {
			m.log.WithError(err).WithField("peer", s.peerID).Warn("flushing queued command failed")
		}
	}
}

// scheduleKeepAliveLocked arms the next keep-alive tick. The stamp on send
// is optimistic: it does not wait for any acknowledgment. Caller holds the
// lock.
func (m *Manager) scheduleKeepAliveLocked(s *session) {
	s.keepAliveTimer = time.AfterFunc(m.opts.Timings.KeepAliveInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s.closed || s.state != stateKeepAliveActive {
			return
		}

		payload, err := protocol.Encode(protocol.NewKeepAlive(m.opts.DeviceID, time.Now()))
		if err == nil {
			if sendErr := m.transport.Send(s.peerID, payload); sendErr != nil {
				m.log.WithError(sendErr).WithField("peer", s.peerID).Debug("keep-alive send failed")
			} else {
				m.registry.MarkKeepAlive(s.peerID, time.Now())
			}
		}

		m.scheduleKeepAliveLocked(s)
	})
}

// failLocked moves a session to its terminal failed state: every timer
// cancelled in the same step that mutates the registry, failure counter
// incremented, transport link dropped. Caller holds the lock.
func (m *Manager) failLocked(s *session, reason string) {
	if s.closed {
		return
	}
	s.close()
	delete(m.sessions, s.peerID)

	m.registry.SetPhase(s.peerID, PhaseFailed, reason)
	m.registry.RecordFailure(s.peerID)

	m.log.WithFields(logrus.Fields{
		"peer":   s.peerID,
		"reason": reason,
	}).Warn("session failed")
	m.storeEvent(s.peerID, "failed", reason)

	// Drop the link outside the lock; the transport reports the resulting
	// disconnect through the state handler.
	go m.transport.Disconnect(s.peerID)
}

func (m *Manager) storeDevice(peerID, address string, seenAt time.Time) {
	if m.opts.Store == nil {
		return
	}
	peer, _ := m.registry.Get(peerID)
	if err := m.opts.Store.UpsertDevice(peerID, peer.Platform, peer.Name, address, seenAt); err != nil {
		m.reportError(fmt.Errorf("persist device %s: %w", peerID, err))
	}
}

func (m *Manager) storeEvent(peerID, event, detail string) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.RecordConnectionEvent(peerID, event, detail, time.Now()); err != nil {
		m.reportError(fmt.Errorf("record connection event: %w", err))
	}
}

func (m *Manager) reportError(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

func mustGet(registry *Registry, id string) Peer {
	peer, _ := registry.Get(id)
	if peer.ID == "" {
		peer.ID = id
	}
	return peer
}

func withAddress(peer Peer, address string) Peer {
	peer.Address = address
	return peer
}

func withPlatform(peer Peer, platform string) Peer {
	peer.Platform = platform
	return peer
}
