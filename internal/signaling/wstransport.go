package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openbook-social/calling/internal/auth"
)

const wsWriteWait = 1 * time.Second

// WSTransportConfig carries the knobs for a WSTransport. Zero durations
// fall back to the defaults below.
type WSTransportConfig struct {
	URL             string
	Auth            auth.Provider
	Logger          *slog.Logger
	DialTimeout     time.Duration
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

const (
	defaultDialTimeout  = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultPingInterval = 20 * time.Second
)

func (c WSTransportConfig) withDefaults() WSTransportConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// WSTransport is a WebSocket signaling client. It owns a single connection:
// a read pump feeding the inbound channel plus a keepalive ping loop. Writes
// are serialized through a mutex since the underlying connection permits one
// concurrent writer.
type WSTransport struct {
	cfg    WSTransportConfig
	logger *slog.Logger

	ready atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	inbound chan []byte
	closed  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewWSTransport(cfg WSTransportConfig) *WSTransport {
	cfg = cfg.withDefaults()
	return &WSTransport{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "signaling")),
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

// Dial connects to the signaling exchange and starts the read and ping
// loops. Credentials from the auth provider are carried as query parameters
// on the upgrade request.
func (t *WSTransport) Dial(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse signaling url: %w", err)
	}
	if t.cfg.Auth != nil {
		q := u.Query()
		if err := t.cfg.Auth.ApplyQuery(q); err != nil {
			return fmt.Errorf("apply signaling credentials: %w", err)
		}
		u.RawQuery = q.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	})

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.ready.Store(true)

	go t.readPump(conn)
	go t.pingLoop(conn)

	t.logger.Info("signaling connected", slog.String("url", u.Host))
	return nil
}

func (t *WSTransport) Ready() bool {
	return t.ready.Load()
}

func (t *WSTransport) Inbound() <-chan []byte {
	return t.inbound
}

func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !t.ready.Load() {
		return ErrTransportNotReady
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return ErrTransportNotReady
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Close shuts the connection down. The inbound channel is closed once the
// read pump exits.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		close(t.closed)

		t.writeMu.Lock()
		conn := t.conn
		t.writeMu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait),
			)
			t.closeErr = conn.Close()
		} else {
			close(t.inbound)
		}
	})
	return t.closeErr
}

func (t *WSTransport) readPump(conn *websocket.Conn) {
	defer close(t.inbound)
	defer t.ready.Store(false)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("signaling read failed", slog.String("error", err.Error()))
				_ = t.Close()
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))

		select {
		case t.inbound <- data:
		case <-t.closed:
			return
		}
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
