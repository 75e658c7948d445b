package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MrGrillet/Light-box-besktop/config"
	"github.com/MrGrillet/Light-box-besktop/crypto"
	"github.com/MrGrillet/Light-box-besktop/discovery"
	"github.com/MrGrillet/Light-box-besktop/identity"
	"github.com/MrGrillet/Light-box-besktop/protocol"
	"github.com/MrGrillet/Light-box-besktop/session"
	"github.com/MrGrillet/Light-box-besktop/storage"
	"github.com/MrGrillet/Light-box-besktop/transport"
)

var autoConnect bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the lightbox daemon",
	Long: `serve starts the daemon: mDNS broadcast and scanning, the TCP
transport listener, and the session manager that drives the connection
protocol with paired phones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoConnect, "auto-connect", false, "dial discovered phones automatically")
}

func runServe() error {
	log := newLogger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	privateKey, publicKey, err := crypto.EnsureDeviceKeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return fmt.Errorf("prepare device keypair: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device":      cfg.DeviceName,
		"platform":    cfg.Platform,
		"fingerprint": crypto.FormatFingerprint(cfg.KeyFingerprint),
	}).Info("device identity ready")

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("database close failed")
		}
	}()
	log.WithField("path", dbPath).Info("database open")

	listenAddress := ""
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		listenAddress = ":" + strconv.Itoa(cfg.ListeningPort)
	}

	tcp, err := transport.NewTCPTransport(transport.TCPOptions{
		Identity: transport.LocalIdentity{
			DeviceID:          cfg.DeviceID,
			Platform:          cfg.Platform,
			Ed25519PrivateKey: privateKey,
			Ed25519PublicKey:  publicKey,
		},
		ListenAddress: listenAddress,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	manager, err := session.NewManager(session.Options{
		DeviceID:  cfg.DeviceID,
		Platform:  cfg.Platform,
		Transport: tcp,
		Store:     store,
		Timings:   timingsFromConfig(cfg.Session),
		Logger:    log,
		OnCommand: commandHandler(log),
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	defer manager.Close()

	// Handlers are installed; safe to accept inbound links now.
	if err := tcp.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tcp.Close()
	manager.Start()

	_, portText, err := net.SplitHostPort(tcp.Addr())
	if err != nil {
		return fmt.Errorf("resolve listen port: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return fmt.Errorf("resolve listen port: %w", err)
	}
	log.WithField("port", port).Info("transport listening")

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		Platform:       cfg.Platform,
		ListeningPort:  port,
		KeyFingerprint: cfg.KeyFingerprint,
		PlatformFilter: peerPlatformFor(cfg.Platform),
	})
	if err != nil {
		log.WithError(err).Warn("discovery unavailable, inbound connections only")
	} else {
		defer discoveryService.Stop()
		log.Info("discovery running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go drainManagerErrors(ctx, log, manager)
	if discoveryService != nil {
		go watchDiscovery(ctx, log, manager, discoveryService.Scanner)
	}

	log.Info("daemon running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// timingsFromConfig maps the persisted millisecond overrides onto the session
// timings; zero entries keep the defaults.
func timingsFromConfig(overrides config.SessionTimings) session.Timings {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return session.Timings{
		ChannelEstablishDelay:  ms(overrides.ChannelEstablishDelayMs),
		ProbeRetryAttempts:     overrides.ProbeRetryAttempts,
		ProbeRetryDelay:        ms(overrides.ProbeRetryDelayMs),
		HandshakeTimeout:       ms(overrides.HandshakeTimeoutMs),
		HandshakeResponseDelay: ms(overrides.HandshakeResponseDelayMs),
		ChannelStabilizeDelay:  ms(overrides.ChannelStabilizeDelayMs),
		KeepAliveInterval:      ms(overrides.KeepAliveIntervalMs),
		KeepAliveTimeout:       ms(overrides.KeepAliveTimeoutMs),
		MonitorInterval:        ms(overrides.MonitorIntervalMs),
		MaxConnectAttempts:     overrides.MaxConnectAttempts,
		ConnectionCooldown:     ms(overrides.ConnectionCooldownMs),
	}
}

// peerPlatformFor returns the platform tag worth dialing from this device:
// desktops talk to phones and phones talk to desktops.
func peerPlatformFor(platform string) string {
	switch platform {
	case identity.PlatformMac:
		return identity.PlatformIOS
	case identity.PlatformIOS:
		return identity.PlatformMac
	default:
		return ""
	}
}

// commandHandler acknowledges camera commands from the peer. The daemon has
// no camera of its own, so video and flashlight requests are acknowledged and
// handed to the log for now.
func commandHandler(log *logrus.Logger) func(peerID string, command protocol.Command) {
	entry := log.WithField("component", "commands")
	return func(peerID string, command protocol.Command) {
		switch command.Command {
		case protocol.CommandStartVideo:
			entry.WithFields(logrus.Fields{"peer": peerID, "quality": command.Quality}).Info("video start requested")

		case protocol.CommandFlashlight:
			state := command.State != nil && *command.State
			entry.WithFields(logrus.Fields{"peer": peerID, "state": state}).Info("flashlight toggled")

		case protocol.CommandSetFlashIntensity:
			intensity := 0.0
			if command.Intensity != nil {
				intensity = *command.Intensity
			}
			entry.WithFields(logrus.Fields{"peer": peerID, "intensity": intensity}).Info("flash intensity set")

		case protocol.CommandVideoAck:
			entry.WithFields(logrus.Fields{
				"peer":    peerID,
				"status":  command.Status,
				"quality": command.Quality,
			}).Info("video acknowledged")

		case protocol.CommandFlashlightAck:
			state := command.State != nil && *command.State
			entry.WithFields(logrus.Fields{"peer": peerID, "state": state}).Info("flashlight acknowledged")

		default:
			entry.WithFields(logrus.Fields{"peer": peerID, "command": command.Command}).Warn("unknown command dropped")
		}
	}
}

func drainManagerErrors(ctx context.Context, log *logrus.Logger, manager *session.Manager) {
	for {
		select {
		case err := <-manager.Errors():
			log.WithError(err).Warn("session error")
		case <-ctx.Done():
			return
		}
	}
}

// watchDiscovery logs discovery updates and, with --auto-connect, dials every
// freshly discovered phone. Cooldown refusals are expected and logged at
// debug level only.
func watchDiscovery(ctx context.Context, log *logrus.Logger, manager *session.Manager, scanner *discovery.PeerScanner) {
	entry := log.WithField("component", "discovery")
	for {
		select {
		case event, ok := <-scanner.Events():
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventPeerFound:
				entry.WithFields(logrus.Fields{
					"peer": event.Peer.DeviceID,
					"name": event.Peer.DeviceName,
					"addr": event.Peer.DialAddress(),
				}).Info("peer discovered")
				if autoConnect {
					if address := event.Peer.DialAddress(); address != "" {
						if err := manager.Connect(event.Peer.DeviceID, address); err != nil {
							entry.WithError(err).WithField("peer", event.Peer.DeviceID).Debug("connect deferred")
						}
					}
				}
			case discovery.EventPeerLost:
				entry.WithField("peer", event.Peer.DeviceID).Info("peer lost")
			}
		case <-ctx.Done():
			return
		}
	}
}
