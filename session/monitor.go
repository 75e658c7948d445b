package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrGrillet/Light-box-besktop/protocol"
)

// monitorLoop runs the periodic keep-alive sweep until the manager closes.
func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.opts.Timings.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep applies the two-tier keep-alive timeout policy to every live
// session. Peers silent past KeepAliveTimeout are force-disconnected
// immediately when the transport link is gone or the handshake never
// completed; otherwise they get exactly one last-chance keep-alive, which
// either extends the grace window (on send success) or tears the session
// down (on send failure), never both in the same tick.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.closed {
			continue
		}
		peer, ok := m.registry.Get(s.peerID)
		if !ok {
			continue
		}

		// Silence is measured from the later of the last keep-alive and
		// the attempt start, so a session stuck mid-handshake is bounded
		// by the same timeout.
		base := peer.LastKeepAliveAt
		if peer.LastAttemptAt.After(base) {
			base = peer.LastAttemptAt
		}
		if base.IsZero() || now.Sub(base) < m.opts.Timings.KeepAliveTimeout {
			continue
		}

		if !m.transport.IsConnected(s.peerID) || !peer.Authenticated {
			m.failLocked(s, "peer silent past keep-alive timeout")
			continue
		}

		payload, err := protocol.Encode(protocol.NewKeepAlive(m.opts.DeviceID, now))
		if err != nil {
			continue
		}
		if sendErr := m.transport.Send(s.peerID, payload); sendErr != nil {
			m.failLocked(s, "last-chance keep-alive failed")
			continue
		}

		m.registry.MarkKeepAlive(s.peerID, now)
		m.log.WithFields(logrus.Fields{
			"peer":    s.peerID,
			"silence": now.Sub(base).String(),
		}).Info("keep-alive grace extended after last-chance probe")
	}
}
