// Package transport models a bidirectional reliable message channel to a
// peer, independent of the discovery/connect mechanism. Implementations
// guarantee per-peer ordering only; sends to unknown or unconnected peers
// fail immediately and are never queued.
package transport

import "errors"

// PeerState reports coarse link state to the session layer.
type PeerState string

const (
	StateConnecting   PeerState = "connecting"
	StateConnected    PeerState = "connected"
	StateDisconnected PeerState = "disconnected"
)

var (
	// ErrPeerNotConnected indicates a send to an unknown or unconnected peer.
	ErrPeerNotConnected = errors.New("transport: peer not connected")
	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("transport: closed")
)

// Target identifies a remote endpoint to connect to.
type Target struct {
	DeviceID string
	Address  string
}

// Handlers receive asynchronous transport events. Both callbacks are invoked
// from transport-owned goroutines; per-peer delivery order matches send order.
type Handlers struct {
	OnReceive          func(peerID string, payload []byte)
	OnPeerStateChanged func(peerID string, state PeerState)
}

// Transport is the byte-channel abstraction the session layer drives.
type Transport interface {
	// SetHandlers installs event callbacks. Must be called before Connect
	// or any inbound activity.
	SetHandlers(handlers Handlers)

	// Connect starts an asynchronous connection attempt to the target.
	// Completion or failure is reported through OnPeerStateChanged.
	Connect(target Target) error

	// Send delivers one payload to a connected peer. It fails immediately
	// for unknown or unconnected peers and never queues.
	Send(peerID string, payload []byte) error

	// IsConnected reports whether the peer currently has a live link.
	IsConnected(peerID string) bool

	// Disconnect tears down the link to one peer, if any.
	Disconnect(peerID string)

	// Close shuts the transport down and tears down all links.
	Close() error
}
