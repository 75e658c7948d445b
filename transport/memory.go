package transport

import (
	"fmt"
	"sync"
)

// MemNetwork is an in-process hub of MemTransport endpoints. It mimics the
// TCP transport's asynchronous connect and per-peer ordered delivery without
// sockets, and adds fault hooks for exercising failure paths in tests.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemTransport
}

// NewMemNetwork creates an empty hub.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[string]*MemTransport)}
}

// Endpoint returns the transport endpoint for a device ID, creating it on
// first use. Targets address endpoints by device ID; Target.Address is unused.
func (n *MemNetwork) Endpoint(deviceID string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if endpoint, ok := n.endpoints[deviceID]; ok {
		return endpoint
	}
	endpoint := &MemTransport{
		network:   n,
		deviceID:  deviceID,
		links:     make(map[string]*memLink),
		failSends: make(map[string]bool),
	}
	n.endpoints[deviceID] = endpoint
	return endpoint
}

func (n *MemNetwork) lookup(deviceID string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[deviceID]
}

// memLink is one delivery direction between two endpoints. A pump goroutine
// drains the queue so per-peer ordering matches send order.
type memLink struct {
	queue chan []byte
	once  sync.Once
	done  chan struct{}
}

func newMemLink() *memLink {
	return &memLink{
		queue: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

func (l *memLink) close() {
	l.once.Do(func() { close(l.done) })
}

// MemTransport is one endpoint on a MemNetwork. It implements Transport.
type MemTransport struct {
	network  *MemNetwork
	deviceID string

	handlersMu sync.RWMutex
	handlers   Handlers

	mu            sync.Mutex
	links         map[string]*memLink
	failSends     map[string]bool
	refuseInbound bool
	closed        bool
}

// DeviceID returns this endpoint's device ID.
func (m *MemTransport) DeviceID() string { return m.deviceID }

// SetHandlers installs the event callbacks.
func (m *MemTransport) SetHandlers(handlers Handlers) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = handlers
}

// Connect asynchronously links this endpoint to the target endpoint on the
// same network. Outcome is reported through OnPeerStateChanged on both sides.
func (m *MemTransport) Connect(target Target) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	alreadyLinked := m.links[target.DeviceID] != nil
	m.mu.Unlock()

	if alreadyLinked {
		go m.emitState(target.DeviceID, StateConnected)
		return nil
	}

	m.emitState(target.DeviceID, StateConnecting)

	go func() {
		remote := m.network.lookup(target.DeviceID)
		if remote == nil || !remote.acceptsInbound() {
			m.emitState(target.DeviceID, StateDisconnected)
			return
		}

		toRemote := newMemLink()
		toLocal := newMemLink()

		m.mu.Lock()
		m.links[target.DeviceID] = toRemote
		m.mu.Unlock()

		remote.mu.Lock()
		remote.links[m.deviceID] = toLocal
		remote.mu.Unlock()

		go remote.pump(m.deviceID, toRemote)
		go m.pump(target.DeviceID, toLocal)

		m.emitState(target.DeviceID, StateConnected)
		remote.emitState(m.deviceID, StateConnected)
	}()

	return nil
}

// Send enqueues one payload toward a linked peer. Fails immediately for
// unknown peers and for peers with injected send failures.
func (m *MemTransport) Send(peerID string, payload []byte) error {
	m.mu.Lock()
	link := m.links[peerID]
	failing := m.failSends[peerID]
	m.mu.Unlock()

	if link == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	if failing {
		return fmt.Errorf("transport: injected send failure to %s", peerID)
	}

	copied := append([]byte(nil), payload...)
	select {
	case link.queue <- copied:
		return nil
	case <-link.done:
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
}

// IsConnected reports whether the peer is linked.
func (m *MemTransport) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID] != nil
}

// Disconnect tears down the link to one peer on both sides.
func (m *MemTransport) Disconnect(peerID string) {
	m.dropLink(peerID)
	if remote := m.network.lookup(peerID); remote != nil {
		remote.dropLink(m.deviceID)
	}
}

// Close shuts this endpoint down and tears down all its links.
func (m *MemTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]string, 0, len(m.links))
	for peerID := range m.links {
		peers = append(peers, peerID)
	}
	m.mu.Unlock()

	for _, peerID := range peers {
		m.Disconnect(peerID)
	}
	return nil
}

// SetSendFailure makes every Send toward the peer fail without dropping the
// link, simulating a channel that accepts no traffic.
func (m *MemTransport) SetSendFailure(peerID string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSends[peerID] = fail
}

// SetRefuseInbound makes connection attempts toward this endpoint fail.
func (m *MemTransport) SetRefuseInbound(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseInbound = refuse
}

// CutLink severs the link to one peer abruptly on both sides, simulating
// transport loss.
func (m *MemTransport) CutLink(peerID string) {
	m.Disconnect(peerID)
}

func (m *MemTransport) acceptsInbound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && !m.refuseInbound
}

func (m *MemTransport) dropLink(peerID string) {
	m.mu.Lock()
	link := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if link == nil {
		return
	}
	link.close()
	m.emitState(peerID, StateDisconnected)
}

// pump delivers payloads sent by peerID to this endpoint's OnReceive, in
// order.
func (m *MemTransport) pump(peerID string, link *memLink) {
	for {
		select {
		case payload := <-link.queue:
			m.emitReceive(peerID, payload)
		case <-link.done:
			return
		}
	}
}

func (m *MemTransport) emitState(peerID string, state PeerState) {
	m.handlersMu.RLock()
	handler := m.handlers.OnPeerStateChanged
	m.handlersMu.RUnlock()

	if handler != nil {
		handler(peerID, state)
	}
}

func (m *MemTransport) emitReceive(peerID string, payload []byte) {
	m.handlersMu.RLock()
	handler := m.handlers.OnReceive
	m.handlersMu.RUnlock()

	if handler != nil {
		handler(peerID, payload)
	}
}
