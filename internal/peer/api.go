package peer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Default ICE timeouts. The stock disconnected timeout of 5s is too eager
// for relay paths where short outages happen during re-keying or failover;
// 30s lets ICE recover without tearing the call down.
const (
	defaultICEDisconnectedTimeout = 30 * time.Second
	defaultICEFailedTimeout       = 120 * time.Second
	defaultICEKeepAliveInterval   = 2 * time.Second
)

// APIConfig carries the pieces that shape a webrtc.API.
type APIConfig struct {
	// PopulateMediaEngine registers codecs; the media acquirer supplies this
	// so captured tracks negotiate. Nil falls back to the default codec set.
	PopulateMediaEngine func(*webrtc.MediaEngine) error

	Logger *slog.Logger

	// Net substitutes the network stack, used by tests to run ICE over a
	// virtual network.
	Net transport.Net

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepAliveInterval   time.Duration
}

func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.PopulateMediaEngine != nil {
		if err := cfg.PopulateMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.Logger != nil {
		se.LoggerFactory = newSlogLoggerFactory(cfg.Logger)
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	disconnected := cfg.ICEDisconnectedTimeout
	if disconnected <= 0 {
		disconnected = defaultICEDisconnectedTimeout
	}
	failed := cfg.ICEFailedTimeout
	if failed <= 0 {
		failed = defaultICEFailedTimeout
	}
	keepAlive := cfg.ICEKeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultICEKeepAliveInterval
	}
	se.SetICETimeouts(disconnected, failed, keepAlive)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
