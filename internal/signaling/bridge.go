package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/metrics"
	"github.com/openbook-social/calling/internal/ratelimit"
)

// ErrTransportReadyTimeout is returned when the transport does not come up
// within the configured readiness window.
var ErrTransportReadyTimeout = errors.New("signaling: transport readiness timeout")

// Handler receives validated inbound signaling events. Implementations
// decide whether an event belongs to the current call; the bridge only
// guarantees shape, not relevance.
type Handler interface {
	HandleOffer(callID, callType string, offer webrtc.SessionDescription)
	HandleAnswer(callID string, answer webrtc.SessionDescription)
	HandleCandidate(callID string, cand webrtc.ICECandidateInit)
	HandleRing(callID, callType, callerID string, offer *webrtc.SessionDescription)
	HandleHangup(callID string)
}

// BridgeConfig carries the bridge's collaborators and timing knobs.
type BridgeConfig struct {
	Transport Transport
	Handler   Handler
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// ReadyPollInterval and ReadyTimeout bound WaitReady.
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration

	// MaxMessagesPerSecond bounds the inbound dispatch rate. Messages over
	// the budget are dropped, not queued.
	MaxMessagesPerSecond int64

	Clock ratelimit.Clock
}

const (
	defaultReadyPollInterval    = 500 * time.Millisecond
	defaultReadyTimeout         = 15 * time.Second
	defaultMaxMessagesPerSecond = 50
)

// Bridge converts between controller intents and wire messages. Outbound
// sends first wait for the transport to be ready; inbound frames are parsed,
// rate limited and dispatched to the handler one at a time.
type Bridge struct {
	transport Transport
	handler   Handler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	readyPoll    time.Duration
	readyTimeout time.Duration
	limiter      *ratelimit.TokenBucket
	clock        ratelimit.Clock
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = defaultReadyPollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Bridge{
		transport:    cfg.Transport,
		handler:      cfg.Handler,
		logger:       cfg.Logger.With(slog.String("component", "signaling")),
		metrics:      cfg.Metrics,
		readyPoll:    cfg.ReadyPollInterval,
		readyTimeout: cfg.ReadyTimeout,
		limiter:      ratelimit.NewTokenBucket(cfg.Clock, cfg.MaxMessagesPerSecond, cfg.MaxMessagesPerSecond),
		clock:        cfg.Clock,
	}
}

// WaitReady polls until the transport reports ready, the readiness window
// elapses, or the context is done. A ready transport returns immediately.
func (b *Bridge) WaitReady(ctx context.Context) error {
	if b.transport.Ready() {
		return nil
	}

	deadline := b.clock.Now().Add(b.readyTimeout)
	ticker := time.NewTicker(b.readyPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.transport.Ready() {
				return nil
			}
			if !b.clock.Now().Before(deadline) {
				if b.metrics != nil {
					b.metrics.Inc(metrics.TransportNotReady)
				}
				return ErrTransportReadyTimeout
			}
		}
	}
}

func (b *Bridge) SendOffer(ctx context.Context, callID, callType string, offer webrtc.SessionDescription) error {
	sdp := SDPFromPion(offer)
	return b.send(ctx, Message{
		Type:     MessageTypeOffer,
		CallID:   callID,
		CallType: callType,
		Offer:    &sdp,
	})
}

func (b *Bridge) SendAnswer(ctx context.Context, callID string, answer webrtc.SessionDescription) error {
	sdp := SDPFromPion(answer)
	return b.send(ctx, Message{
		Type:   MessageTypeAnswer,
		CallID: callID,
		Answer: &sdp,
	})
}

func (b *Bridge) SendCandidate(ctx context.Context, callID string, cand webrtc.ICECandidateInit) error {
	wire := CandidateFromPion(cand)
	return b.send(ctx, Message{
		Type:      MessageTypeCandidate,
		CallID:    callID,
		Candidate: &wire,
	})
}

func (b *Bridge) SendHangup(ctx context.Context, callID string) error {
	return b.send(ctx, Message{
		Type:   MessageTypeHangup,
		CallID: callID,
	})
}

func (b *Bridge) send(ctx context.Context, msg Message) error {
	if err := b.WaitReady(ctx); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return b.transport.Send(ctx, data)
}

// Run drains the transport's inbound channel until the context is done or
// the channel closes. Frames that fail parsing or exceed the rate budget are
// counted and dropped; a bad frame never stops the loop.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-b.transport.Inbound():
			if !ok {
				return ErrTransportClosed
			}
			b.dispatch(data)
		}
	}
}

func (b *Bridge) dispatch(data []byte) {
	if !b.limiter.Allow() {
		if b.metrics != nil {
			b.metrics.Inc(metrics.SignalingDroppedRateLimited)
		}
		b.logger.Warn("dropping signaling message: rate limit exceeded")
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		if b.metrics != nil {
			b.metrics.Inc(metrics.SignalingDroppedUnparsable)
		}
		b.logger.Warn("dropping unparsable signaling message", slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case MessageTypeOffer:
		desc, err := msg.Offer.ToPion()
		if err != nil {
			b.logger.Warn("dropping offer", slog.String("error", err.Error()))
			return
		}
		b.handler.HandleOffer(msg.CallID, msg.CallType, desc)
	case MessageTypeAnswer:
		desc, err := msg.Answer.ToPion()
		if err != nil {
			b.logger.Warn("dropping answer", slog.String("error", err.Error()))
			return
		}
		b.handler.HandleAnswer(msg.CallID, desc)
	case MessageTypeCandidate:
		b.handler.HandleCandidate(msg.CallID, msg.Candidate.ToPion())
	case MessageTypeRing:
		var offer *webrtc.SessionDescription
		if msg.Offer != nil {
			desc, err := msg.Offer.ToPion()
			if err != nil {
				b.logger.Warn("dropping ring", slog.String("error", err.Error()))
				return
			}
			offer = &desc
		}
		b.handler.HandleRing(msg.CallID, msg.CallType, msg.CallerID, offer)
	case MessageTypeHangup:
		b.handler.HandleHangup(msg.CallID)
	}
}
