package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrGrillet/Light-box-besktop/protocol"
	"github.com/MrGrillet/Light-box-besktop/transport"
)

const (
	macID   = "macos_Studio_aaa111"
	phoneID = "ios_Kims-iPhone_bbb222"
)

func testTimings() Timings {
	return Timings{
		ChannelEstablishDelay:  20 * time.Millisecond,
		ProbeRetryAttempts:     2,
		ProbeRetryDelay:        10 * time.Millisecond,
		HandshakeTimeout:       100 * time.Millisecond,
		HandshakeResponseDelay: 10 * time.Millisecond,
		ChannelStabilizeDelay:  15 * time.Millisecond,
		KeepAliveInterval:      25 * time.Millisecond,
		KeepAliveTimeout:       150 * time.Millisecond,
		MonitorInterval:        20 * time.Millisecond,
		MaxConnectAttempts:     2,
		ConnectionCooldown:     200 * time.Millisecond,
		PendingQueueLimit:      4,
	}
}

type commandRecorder struct {
	mu       sync.Mutex
	commands []protocol.Command
}

func (r *commandRecorder) record(_ string, command protocol.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
}

func (r *commandRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

func (r *commandRecorder) at(index int) protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands[index]
}

func newTestManager(t *testing.T, endpoint *transport.MemTransport, deviceID, platform string, onCommand func(string, protocol.Command)) *Manager {
	return newTestManagerWithTimings(t, endpoint, deviceID, platform, testTimings(), onCommand)
}

func newTestManagerWithTimings(t *testing.T, endpoint *transport.MemTransport, deviceID, platform string, timings Timings, onCommand func(string, protocol.Command)) *Manager {
	t.Helper()

	manager, err := NewManager(Options{
		DeviceID:  deviceID,
		Platform:  platform,
		Transport: endpoint,
		Timings:   timings,
		OnCommand: onCommand,
	})
	if err != nil {
		t.Fatalf("create manager for %s: %v", deviceID, err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// newManagerPair wires two managers over an in-process transport: the mac
// side initiates, the phone side responds.
func newManagerPair(t *testing.T) (*Manager, *Manager, *transport.MemTransport, *transport.MemTransport) {
	t.Helper()

	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	phoneEndpoint := network.Endpoint(phoneID)

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)
	phone := newTestManager(t, phoneEndpoint, phoneID, "ios", nil)
	return mac, phone, macEndpoint, phoneEndpoint
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

func isConnectedPeer(registry *Registry, id string) bool {
	peer, ok := registry.Get(id)
	return ok && peer.Phase == PhaseConnected && peer.Authenticated
}

func TestHandshakeBothSidesReachKeepAlive(t *testing.T) {
	mac, phone, _, _ := newManagerPair(t)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return isConnectedPeer(mac.Registry(), phoneID) && isConnectedPeer(phone.Registry(), macID)
	}, "both sides to reach the connected set")

	if connected := mac.Registry().Connected(); len(connected) != 1 || connected[0].ID != phoneID {
		t.Fatalf("unexpected mac connected set %+v", connected)
	}
	if connected := phone.Registry().Connected(); len(connected) != 1 || connected[0].ID != macID {
		t.Fatalf("unexpected phone connected set %+v", connected)
	}

	macPeer, _ := mac.Registry().Get(phoneID)
	if macPeer.LastKeepAliveAt.IsZero() {
		t.Fatalf("expected keep-alive stamp after handshake")
	}
	if macPeer.FailedAttempts != 0 {
		t.Fatalf("expected failure counter reset on success, got %d", macPeer.FailedAttempts)
	}
}

func TestConnectedSetNeverContainsUnauthenticatedPeer(t *testing.T) {
	mac, phone, _, _ := newManagerPair(t)

	done := make(chan struct{})
	violation := make(chan Peer, 1)
	go func() {
		for {
			select {
			case event := <-mac.Registry().Events():
				if event.Kind == EventPeerUpserted && event.Peer.Phase == PhaseConnected && !event.Peer.Authenticated {
					select {
					case violation <- event.Peer:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return isConnectedPeer(mac.Registry(), phoneID) && isConnectedPeer(phone.Registry(), macID)
	}, "handshake to complete")
	close(done)

	select {
	case peer := <-violation:
		t.Fatalf("peer surfaced connected without authentication: %+v", peer)
	default:
	}
}

func TestHandshakeTimeoutFailsSession(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	network.Endpoint(phoneID) // exists but runs no manager, so it never responds

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		peer, ok := mac.Registry().Get(phoneID)
		return ok && peer.Phase == PhaseFailed
	}, "handshake timeout to fail the session")

	peer, _ := mac.Registry().Get(phoneID)
	if peer.FailureReason != "handshake timeout" {
		t.Fatalf("unexpected failure reason %q", peer.FailureReason)
	}
	if peer.FailedAttempts != 1 {
		t.Fatalf("expected one recorded failure, got %d", peer.FailedAttempts)
	}
	if len(mac.Registry().Connected()) != 0 {
		t.Fatalf("failed peer must not be in connected set")
	}
}

func TestDisconnectDuringChannelProbingFailsWithoutHandshake(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	phoneEndpoint := network.Endpoint(phoneID) // no manager: probing never advances

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		peer, ok := mac.Registry().Get(phoneID)
		return ok && peer.Phase == PhaseChannelProbing
	}, "session to reach channel probing")

	phoneEndpoint.CutLink(macID)

	waitFor(t, 2*time.Second, func() bool {
		peer, ok := mac.Registry().Get(phoneID)
		return ok && peer.Phase == PhaseFailed
	}, "session to fail on transport loss")

	// No handshake timer was armed: past the handshake timeout the peer
	// must still be failed, not resurrected into a later phase.
	time.Sleep(testTimings().HandshakeTimeout + 50*time.Millisecond)
	peer, _ := mac.Registry().Get(phoneID)
	if peer.Phase != PhaseFailed {
		t.Fatalf("expected peer to stay failed, got %q", peer.Phase)
	}
}

func TestRemoveCancelsAllTimers(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	network.Endpoint(phoneID)

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		peer, ok := mac.Registry().Get(phoneID)
		return ok && peer.Phase == PhaseChannelProbing
	}, "session to reach channel probing")

	mac.Remove(phoneID)

	if _, ok := mac.Registry().Get(phoneID); ok {
		t.Fatalf("expected peer gone after remove")
	}

	// Let every scheduled delay elapse; no stale timer may resurrect the
	// peer.
	timings := testTimings()
	time.Sleep(timings.ChannelEstablishDelay + timings.HandshakeTimeout + 50*time.Millisecond)
	if _, ok := mac.Registry().Get(phoneID); ok {
		t.Fatalf("stale timer resurrected a removed peer")
	}
	if len(mac.Registry().Connected()) != 0 {
		t.Fatalf("connected set must stay empty after remove")
	}
}

func TestConnectionCooldownGate(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	phoneEndpoint := network.Endpoint(phoneID)
	phoneEndpoint.SetRefuseInbound(true)

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	timings := testTimings()
	for attempt := 0; attempt < timings.MaxConnectAttempts; attempt++ {
		if err := mac.Connect(phoneID, ""); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		waitFor(t, 2*time.Second, func() bool {
			peer, ok := mac.Registry().Get(phoneID)
			return ok && peer.Phase == PhaseFailed && peer.FailedAttempts == attempt+1
		}, "attempt to fail")
	}

	if err := mac.Connect(phoneID, ""); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive inside cooldown, got %v", err)
	}

	time.Sleep(timings.ConnectionCooldown + 20*time.Millisecond)
	phoneEndpoint.SetRefuseInbound(false)

	before := time.Now()
	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect after cooldown: %v", err)
	}
	peer, _ := mac.Registry().Get(phoneID)
	if peer.FailedAttempts != 0 {
		t.Fatalf("expected failure counter reset after cooldown, got %d", peer.FailedAttempts)
	}
	if peer.LastAttemptAt.Before(before) {
		t.Fatalf("expected last attempt stamp updated")
	}
}

func TestMonitorExtendsGraceExactlyOnceThenDisconnects(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	phoneEndpoint := network.Endpoint(phoneID)

	// Long keep-alive interval: neither side's own keep-alive traffic may
	// interfere with the stale stamps planted below.
	timings := testTimings()
	timings.KeepAliveInterval = time.Hour

	mac := newTestManagerWithTimings(t, macEndpoint, macID, "macos", timings, nil)
	phone := newTestManagerWithTimings(t, phoneEndpoint, phoneID, "ios", timings, nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return isConnectedPeer(mac.Registry(), phoneID) && isConnectedPeer(phone.Registry(), macID)
	}, "handshake to complete")

	stale := time.Now().Add(-2 * timings.KeepAliveTimeout)
	mac.Registry().MarkKeepAlive(phoneID, stale)
	mac.Registry().RecordAttempt(phoneID, stale)

	// Transport still up and sends working: one last-chance keep-alive
	// extends the grace window instead of disconnecting.
	now := time.Now()
	mac.sweep(now)

	peer, _ := mac.Registry().Get(phoneID)
	if peer.Phase != PhaseConnected || !peer.Authenticated {
		t.Fatalf("grace extension must keep the session alive, got %+v", peer)
	}
	if !peer.LastKeepAliveAt.Equal(now) {
		t.Fatalf("expected keep-alive stamp reset to sweep time")
	}

	// Same silence but sends failing: the last-chance probe fails and the
	// session is torn down in that single tick.
	mac.Registry().MarkKeepAlive(phoneID, stale)
	mac.Registry().RecordAttempt(phoneID, stale)
	macEndpoint.SetSendFailure(phoneID, true)

	mac.sweep(time.Now())

	peer, _ = mac.Registry().Get(phoneID)
	if peer.Phase != PhaseFailed {
		t.Fatalf("expected failed phase after last-chance send failure, got %q", peer.Phase)
	}
	if peer.FailureReason != "last-chance keep-alive failed" {
		t.Fatalf("unexpected failure reason %q", peer.FailureReason)
	}
	if len(mac.Registry().Connected()) != 0 {
		t.Fatalf("failed peer must leave connected set")
	}
}

func TestMonitorDisconnectsUnfinishedHandshake(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	network.Endpoint(phoneID) // never completes the handshake

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		peer, ok := mac.Registry().Get(phoneID)
		return ok && peer.Phase == PhaseChannelProbing
	}, "session to reach channel probing")

	timings := testTimings()
	stale := time.Now().Add(-2 * timings.KeepAliveTimeout)
	mac.Registry().RecordAttempt(phoneID, stale)

	mac.sweep(time.Now())

	peer, _ := mac.Registry().Get(phoneID)
	if peer.Phase != PhaseFailed {
		t.Fatalf("expected unauthenticated silent peer force-disconnected, got %q", peer.Phase)
	}
	if peer.FailureReason != "peer silent past keep-alive timeout" {
		t.Fatalf("unexpected failure reason %q", peer.FailureReason)
	}
}

func TestCommandsQueueUntilHandshakeThenFlush(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	phoneEndpoint := network.Endpoint(phoneID)

	commands := &commandRecorder{}
	mac := newTestManager(t, macEndpoint, macID, "macos", nil)
	phone := newTestManager(t, phoneEndpoint, phoneID, "ios", commands.record)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Queue before the channel is ready.
	if err := mac.StartVideo(phoneID, "high"); err != nil {
		t.Fatalf("queue start_video: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return isConnectedPeer(phone.Registry(), macID) && commands.count() == 1
	}, "queued command to flush after handshake")

	if cmd := commands.at(0); cmd.Command != protocol.CommandStartVideo || cmd.Quality != "high" {
		t.Fatalf("unexpected flushed command %+v", cmd)
	}

	// After the channel is ready, commands go straight through.
	if err := mac.SetFlashlight(phoneID, true); err != nil {
		t.Fatalf("send flashlight: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return commands.count() == 2
	}, "live command to arrive")
	if cmd := commands.at(1); cmd.Command != protocol.CommandFlashlight || cmd.State == nil || !*cmd.State {
		t.Fatalf("unexpected live command %+v", cmd)
	}
}

func TestPendingQueueRejectsWhenFull(t *testing.T) {
	network := transport.NewMemNetwork()
	macEndpoint := network.Endpoint(macID)
	network.Endpoint(phoneID) // no manager: the channel never becomes ready

	mac := newTestManager(t, macEndpoint, macID, "macos", nil)

	if err := mac.Connect(phoneID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	limit := testTimings().PendingQueueLimit
	for i := 0; i < limit; i++ {
		if err := mac.SetFlashIntensity(phoneID, 0.5); err != nil {
			t.Fatalf("queue command %d: %v", i, err)
		}
	}
	if err := mac.SetFlashIntensity(phoneID, 0.5); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSendCommandWithoutSession(t *testing.T) {
	network := transport.NewMemNetwork()
	mac := newTestManager(t, network.Endpoint(macID), macID, "macos", nil)

	if err := mac.StartVideo(phoneID, "high"); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
}
