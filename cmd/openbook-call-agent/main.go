// Command openbook-call-agent runs a headless 1:1 calling endpoint. It
// connects to the OpenBook control plane and signaling exchange, captures
// local media, and negotiates WebRTC peer connections for voice and video
// calls. A local HTTP server exposes health, metrics and a call state
// snapshot for debugging.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/auth"
	"github.com/openbook-social/calling/internal/call"
	"github.com/openbook-social/calling/internal/config"
	"github.com/openbook-social/calling/internal/controlplane"
	"github.com/openbook-social/calling/internal/httpserver"
	"github.com/openbook-social/calling/internal/media"
	"github.com/openbook-social/calling/internal/metrics"
	"github.com/openbook-social/calling/internal/peer"
	"github.com/openbook-social/calling/internal/signaling"
	"github.com/openbook-social/calling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// handlerProxy lets the bridge be constructed before the controller; the
// controller is assigned before the bridge starts dispatching.
type handlerProxy struct {
	signaling.Handler
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	authProvider, err := auth.New(cfg, cfg.ClientID)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	acquirer, err := media.NewDeviceAcquirer(logger)
	if err != nil {
		logger.Error("failed to configure media capture", "err", err)
		os.Exit(2)
	}

	// Construct the WebRTC API early so codec misconfigurations are caught on
	// startup. ICE sockets are only created once a call attempt begins.
	api, err := peer.NewAPI(peer.APIConfig{
		PopulateMediaEngine: acquirer.PopulateMediaEngine,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	var turnREST *turnrest.Generator
	if cfg.TurnREST.Enabled() {
		turnREST, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TurnREST.SharedSecret,
			TTLSeconds:     cfg.TurnREST.TTLSeconds,
			UsernamePrefix: cfg.TurnREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting openbook-call-agent",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"client_id", cfg.ClientID,
		"control_plane_host", safeURLHost(cfg.ControlPlaneURL),
		"signaling_host", safeURLHost(cfg.SignalingWSURL),
		"auth_mode", cfg.AuthMode,
		"auto_answer", cfg.AutoAnswer,
		"turn_rest_enabled", turnREST != nil,
		"ice_server_count", len(cfg.ICEServers),
	)

	m := metrics.New()

	cp, err := controlplane.NewClient(controlplane.ClientConfig{
		BaseURL:  cfg.ControlPlaneURL,
		Auth:     authProvider,
		Logger:   logger,
		Timeout:  cfg.ControlPlaneTimeout,
		ClientID: cfg.ClientID,
	})
	if err != nil {
		logger.Error("failed to configure control plane client", "err", err)
		os.Exit(2)
	}

	transport := signaling.NewWSTransport(signaling.WSTransportConfig{
		URL:             cfg.SignalingWSURL,
		Auth:            authProvider,
		Logger:          logger,
		IdleTimeout:     cfg.WSIdleTimeout,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
	})

	proxy := &handlerProxy{}
	bridge := signaling.NewBridge(signaling.BridgeConfig{
		Transport:            transport,
		Handler:              proxy,
		Logger:               logger,
		Metrics:              m,
		ReadyPollInterval:    cfg.TransportReadyPollInterval,
		ReadyTimeout:         cfg.TransportReadyTimeout,
		MaxMessagesPerSecond: int64(cfg.MaxSignalingMessagesPerSecond),
	})

	newPeer := func(tracks []webrtc.TrackLocal, events call.PeerEvents) (call.PeerConnection, error) {
		iceServers := cfg.PeerConnectionICEServers()
		if turnREST != nil {
			creds, err := turnREST.Generate(cfg.ClientID)
			if err != nil {
				return nil, fmt.Errorf("mint turn credentials: %w", err)
			}
			iceServers = turnrest.ApplyToICEServers(iceServers, creds)
		}
		return peer.NewManager(peer.ManagerConfig{
			API:           api,
			ICEServers:    iceServers,
			Tracks:        tracks,
			Logger:        logger,
			Metrics:       m,
			OnRemoteTrack: events.OnRemoteTrack,
			OnCandidate:   events.OnCandidate,
			OnStateChange: events.OnStateChange,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ctrl *call.Controller
	ctrl, err = call.NewController(call.ControllerConfig{
		ControlPlane:     cp,
		Signaling:        bridge,
		Media:            acquirer,
		NewPeer:          newPeer,
		Logger:           logger,
		Metrics:          m,
		OfferWaitTimeout: cfg.OfferWaitTimeout,
		Hooks: call.Hooks{
			OnIncoming: func(sess call.Session) {
				logger.Info("incoming call",
					"call_id", sess.ID,
					"call_type", string(sess.Type),
					"caller_id", sess.PeerID)
				if !cfg.AutoAnswer {
					return
				}
				go func() {
					answerCtx, cancel := context.WithTimeout(ctx, time.Minute)
					defer cancel()
					if err := ctrl.Answer(answerCtx); err != nil {
						logger.Error("auto answer failed", "call_id", sess.ID, "err", err)
					}
				}()
			},
			OnAccepted: func(sess call.Session) {
				logger.Info("call connected", "call_id", sess.ID)
			},
			OnEnded: func(sess call.Session) {
				logger.Info("call over", "call_id", sess.ID)
			},
			OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				logger.Info("remote track",
					"kind", track.Kind().String(),
					"codec", track.Codec().MimeType)
			},
		},
	})
	if err != nil {
		logger.Error("failed to configure call controller", "err", err)
		os.Exit(2)
	}
	proxy.Handler = ctrl

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.ServerConfig{
		Config:         cfg,
		Logger:         logger,
		Build:          httpserver.BuildInfo{Commit: commit, BuildTime: builtAt},
		Metrics:        m,
		Controller:     ctrl,
		TURNREST:       turnREST,
		SignalingReady: transport.Ready,
	})

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Serve(ln)
	}()

	if err := dialSignaling(ctx, logger, transport); err != nil {
		logger.Error("failed to connect signaling transport", "err", err)
		shutdown(logger, cfg, srv, transport, nil, srvErr)
		os.Exit(1)
	}

	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- bridge.Run(ctx)
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case err := <-bridgeErr:
		// A dead signaling connection is fatal; the supervisor restarts us
		// with a fresh transport.
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("signaling bridge exited", "err", err)
			shutdown(logger, cfg, srv, transport, ctrl, srvErr)
			os.Exit(1)
		}
		logger.Info("shutdown signal received")
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdown(logger, cfg, srv, transport, ctrl, srvErr)
}

// dialSignaling retries the initial connection with capped backoff so the
// agent survives starting before the exchange is up.
func dialSignaling(ctx context.Context, logger *slog.Logger, transport *signaling.WSTransport) error {
	backoff := time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := transport.Dial(dialCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("signaling dial failed, retrying", "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func shutdown(logger *slog.Logger, cfg config.Config, srv *httpserver.Server, transport *signaling.WSTransport, ctrl *call.Controller, srvErr <-chan error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if ctrl != nil {
		// Hang up any live call so the remote side is not left connected.
		if err := ctrl.End(shutdownCtx); err != nil {
			logger.Error("ending call on shutdown failed", "err", err)
		}
	}
	if err := transport.Close(); err != nil {
		logger.Error("signaling transport close failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-srvErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
	}
}

func safeURLHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Host
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
