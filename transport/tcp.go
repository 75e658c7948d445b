package transport

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrGrillet/Light-box-besktop/crypto"
)

const gcmNonceSize = 12

// TCPOptions configures a TCPTransport.
type TCPOptions struct {
	Identity LocalIdentity

	// ListenAddress is the TCP address to accept inbound links on.
	// Defaults to an ephemeral port on all interfaces.
	ListenAddress string

	// ConnectTimeout bounds dial plus channel bootstrap per attempt.
	ConnectTimeout time.Duration

	// FrameReadTimeout bounds each frame read on an idle link.
	FrameReadTimeout time.Duration

	Logger *logrus.Logger
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}

// TCPTransport carries framed, AES-GCM sealed control messages over TCP.
// Every link is bootstrapped with a challenge/hello exchange that
// authenticates both device identity keys and derives a per-link channel key.
type TCPTransport struct {
	opts TCPOptions
	log  *logrus.Entry

	handlersMu sync.RWMutex
	handlers   Handlers

	linksMu sync.RWMutex
	links   map[string]*peerLink

	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPTransport validates options and builds a transport. Call Start to
// begin accepting inbound links.
func NewTCPTransport(options TCPOptions) (*TCPTransport, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}

	return &TCPTransport{
		opts:   opts,
		log:    opts.Logger.WithField("component", "transport"),
		links:  make(map[string]*peerLink),
		closed: make(chan struct{}),
	}, nil
}

// Start begins listening for inbound links.
func (t *TCPTransport) Start() error {
	listener, err := net.Listen("tcp", t.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", t.opts.ListenAddress, err)
	}
	t.listener = listener
	t.log.WithField("address", listener.Addr().String()).Info("transport listening")

	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (t *TCPTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// SetHandlers installs the event callbacks.
func (t *TCPTransport) SetHandlers(handlers Handlers) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = handlers
}

// Connect starts an asynchronous dial-and-bootstrap toward the target. The
// outcome is reported through OnPeerStateChanged.
func (t *TCPTransport) Connect(target Target) error {
	if t.isClosed() {
		return ErrClosed
	}
	if target.DeviceID == "" || target.Address == "" {
		return errors.New("transport: target device ID and address are required")
	}

	if t.IsConnected(target.DeviceID) {
		go t.emitState(target.DeviceID, StateConnected)
		return nil
	}

	t.emitState(target.DeviceID, StateConnecting)
	go t.dialAndBootstrap(target)
	return nil
}

// Send seals and delivers one payload to a connected peer. Fails immediately
// for unknown peers.
func (t *TCPTransport) Send(peerID string, payload []byte) error {
	t.linksMu.RLock()
	link := t.links[peerID]
	t.linksMu.RUnlock()

	if link == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	return link.send(payload)
}

// IsConnected reports whether the peer has a live link.
func (t *TCPTransport) IsConnected(peerID string) bool {
	t.linksMu.RLock()
	defer t.linksMu.RUnlock()
	return t.links[peerID] != nil
}

// Disconnect tears down the link to one peer.
func (t *TCPTransport) Disconnect(peerID string) {
	t.linksMu.RLock()
	link := t.links[peerID]
	t.linksMu.RUnlock()

	if link != nil {
		t.dropLink(link, nil)
	}
}

// Close shuts the transport down and tears down all links.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			_ = t.listener.Close()
		}

		t.linksMu.Lock()
		links := t.links
		t.links = make(map[string]*peerLink)
		t.linksMu.Unlock()

		for peerID, link := range links {
			link.close()
			t.emitState(peerID, StateDisconnected)
		}
	})
	return nil
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.log.WithError(err).Warn("accept failed")
			continue
		}
		go t.handleInbound(conn)
	}
}

// handleInbound bootstraps a link we did not initiate: issue a challenge,
// verify the dialer's signed hello, answer with our own.
func (t *TCPTransport) handleInbound(conn net.Conn) {
	if err := conn.SetDeadline(time.Now().Add(t.opts.ConnectTimeout)); err != nil {
		_ = conn.Close()
		return
	}

	challenge, rawNonce, err := newHelloChallenge()
	if err != nil {
		t.log.WithError(err).Warn("inbound bootstrap failed")
		_ = conn.Close()
		return
	}
	if err := writeJSONFrame(conn, challenge); err != nil {
		t.log.WithError(err).Warn("send hello challenge failed")
		_ = conn.Close()
		return
	}

	var hello helloMessage
	if err := readJSONFrame(conn, &hello); err != nil {
		t.log.WithError(err).Warn("read hello failed")
		_ = conn.Close()
		return
	}
	if hello.Type != helloTypeHello {
		t.log.WithField("type", hello.Type).Warn("unexpected bootstrap message")
		_ = conn.Close()
		return
	}
	_, peerEphemeralRaw, err := verifyHello(hello, challenge.Nonce)
	if err != nil {
		t.log.WithError(err).WithField("peer", hello.DeviceID).Warn("hello verification failed")
		_ = conn.Close()
		return
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		t.log.WithError(err).Warn("inbound bootstrap failed")
		_ = conn.Close()
		return
	}

	ack, err := buildHello(t.opts.Identity, ephemeralPublic.Bytes(), challenge.Nonce, helloTypeAck)
	if err != nil {
		t.log.WithError(err).Warn("build hello ack failed")
		_ = conn.Close()
		return
	}
	if err := writeJSONFrame(conn, ack); err != nil {
		t.log.WithError(err).Warn("send hello ack failed")
		_ = conn.Close()
		return
	}

	channelKey, err := t.deriveChannelKey(ephemeralPrivate, peerEphemeralRaw, hello.DeviceID, rawNonce)
	if err != nil {
		t.log.WithError(err).WithField("peer", hello.DeviceID).Warn("channel key derivation failed")
		_ = conn.Close()
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return
	}

	t.registerLink(hello.DeviceID, conn, channelKey)
}

// dialAndBootstrap bootstraps a link we initiated: answer the acceptor's
// challenge with a signed hello and verify their ack.
func (t *TCPTransport) dialAndBootstrap(target Target) {
	conn, err := net.DialTimeout("tcp", target.Address, t.opts.ConnectTimeout)
	if err != nil {
		t.log.WithError(err).WithField("peer", target.DeviceID).Debug("dial failed")
		t.emitState(target.DeviceID, StateDisconnected)
		return
	}

	fail := func(stage string, err error) {
		t.log.WithError(err).WithFields(logrus.Fields{
			"peer":  target.DeviceID,
			"stage": stage,
		}).Debug("outbound bootstrap failed")
		_ = conn.Close()
		t.emitState(target.DeviceID, StateDisconnected)
	}

	if err := conn.SetDeadline(time.Now().Add(t.opts.ConnectTimeout)); err != nil {
		fail("deadline", err)
		return
	}

	var challenge helloChallenge
	if err := readJSONFrame(conn, &challenge); err != nil {
		fail("read challenge", err)
		return
	}
	if challenge.Type != helloTypeChallenge {
		fail("read challenge", fmt.Errorf("unexpected bootstrap message %q", challenge.Type))
		return
	}
	rawNonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		fail("decode nonce", err)
		return
	}
	if len(rawNonce) != challengeNonceSize {
		fail("decode nonce", fmt.Errorf("invalid nonce length %d", len(rawNonce)))
		return
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		fail("ephemeral keypair", err)
		return
	}

	hello, err := buildHello(t.opts.Identity, ephemeralPublic.Bytes(), challenge.Nonce, helloTypeHello)
	if err != nil {
		fail("build hello", err)
		return
	}
	if err := writeJSONFrame(conn, hello); err != nil {
		fail("send hello", err)
		return
	}

	var ack helloMessage
	if err := readJSONFrame(conn, &ack); err != nil {
		fail("read hello ack", err)
		return
	}
	if ack.Type != helloTypeAck {
		fail("read hello ack", fmt.Errorf("unexpected bootstrap message %q", ack.Type))
		return
	}
	_, peerEphemeralRaw, err := verifyHello(ack, challenge.Nonce)
	if err != nil {
		fail("verify hello ack", err)
		return
	}
	if ack.DeviceID != target.DeviceID {
		fail("verify hello ack", fmt.Errorf("peer identified as %q, expected %q", ack.DeviceID, target.DeviceID))
		return
	}

	channelKey, err := t.deriveChannelKey(ephemeralPrivate, peerEphemeralRaw, ack.DeviceID, rawNonce)
	if err != nil {
		fail("derive channel key", err)
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		fail("clear deadline", err)
		return
	}

	t.registerLink(ack.DeviceID, conn, channelKey)
}

func (t *TCPTransport) deriveChannelKey(ephemeralPrivate *ecdh.PrivateKey, peerEphemeralRaw []byte, peerID string, rawNonce []byte) ([]byte, error) {
	peerEphemeral, err := crypto.ParseX25519PublicKey(peerEphemeralRaw)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := crypto.ComputeSharedSecret(ephemeralPrivate, peerEphemeral)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveChannelKey(sharedSecret, t.opts.Identity.DeviceID, peerID, rawNonce)
}

func (t *TCPTransport) registerLink(peerID string, conn net.Conn, channelKey []byte) {
	link := &peerLink{
		transport:  t,
		peerID:     peerID,
		conn:       conn,
		channelKey: channelKey,
		closed:     make(chan struct{}),
	}

	t.linksMu.Lock()
	previous := t.links[peerID]
	t.links[peerID] = link
	t.linksMu.Unlock()

	if previous != nil {
		previous.close()
	}

	t.log.WithFields(logrus.Fields{
		"peer":   peerID,
		"remote": conn.RemoteAddr().String(),
	}).Info("secure channel established")

	go link.readLoop()
	t.emitState(peerID, StateConnected)
}

// dropLink tears one specific link down. The link leaves the table and
// reports disconnection only while it is still the registered link for its
// peer; a stale link dying after replacement must not tear down its
// successor.
func (t *TCPTransport) dropLink(link *peerLink, cause error) {
	t.linksMu.Lock()
	current := t.links[link.peerID] == link
	if current {
		delete(t.links, link.peerID)
	}
	t.linksMu.Unlock()

	link.close()
	if !current {
		return
	}

	entry := t.log.WithField("peer", link.peerID)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("link closed")

	t.emitState(link.peerID, StateDisconnected)
}

func (t *TCPTransport) emitState(peerID string, state PeerState) {
	t.handlersMu.RLock()
	handler := t.handlers.OnPeerStateChanged
	t.handlersMu.RUnlock()

	if handler != nil {
		handler(peerID, state)
	}
}

func (t *TCPTransport) emitReceive(peerID string, payload []byte) {
	t.handlersMu.RLock()
	handler := t.handlers.OnReceive
	t.handlersMu.RUnlock()

	if handler != nil {
		handler(peerID, payload)
	}
}

// peerLink is one live sealed channel to a peer.
type peerLink struct {
	transport  *TCPTransport
	peerID     string
	conn       net.Conn
	channelKey []byte

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *peerLink) send(payload []byte) error {
	ciphertext, nonce, err := crypto.Seal(l.channelKey, payload)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	sealed := make([]byte, 0, len(nonce)+len(ciphertext))
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	select {
	case <-l.closed:
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, l.peerID)
	default:
	}

	if err := WriteFrame(l.conn, sealed); err != nil {
		go l.transport.dropLink(l, err)
		return err
	}
	return nil
}

func (l *peerLink) readLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		sealed, err := ReadFrameWithTimeout(l.conn, l.transport.opts.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.transport.dropLink(l, nil)
				return
			}
			l.transport.dropLink(l, err)
			return
		}

		if len(sealed) < gcmNonceSize {
			l.transport.log.WithField("peer", l.peerID).Warn("dropping short sealed frame")
			continue
		}
		payload, err := crypto.Open(l.channelKey, sealed[:gcmNonceSize], sealed[gcmNonceSize:])
		if err != nil {
			l.transport.log.WithError(err).WithField("peer", l.peerID).Warn("dropping unauthenticated frame")
			continue
		}

		l.transport.emitReceive(l.peerID, payload)
	}
}

func (l *peerLink) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

func writeJSONFrame(conn net.Conn, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal bootstrap message: %w", err)
	}
	return WriteFrame(conn, payload)
}

func readJSONFrame(conn net.Conn, out any) error {
	payload, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode bootstrap message: %w", err)
	}
	return nil
}
