package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/controlplane"
	"github.com/openbook-social/calling/internal/media"
	"github.com/openbook-social/calling/internal/metrics"
)

// ControlPlane is the subset of the REST client the controller drives.
type ControlPlane interface {
	Initiate(ctx context.Context, req controlplane.InitiateRequest) (*controlplane.Call, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string, duration time.Duration) error
}

// Signaler is the outbound half of the signaling bridge.
type Signaler interface {
	WaitReady(ctx context.Context) error
	SendOffer(ctx context.Context, callID, callType string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, callID string, answer webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, callID string, cand webrtc.ICECandidateInit) error
	SendHangup(ctx context.Context, callID string) error
}

// PeerConnection is the slice of the peer manager the controller negotiates
// through.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	WaitLocalDescription(ctx context.Context) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(init webrtc.ICECandidateInit) error
	CreateAnswer() (webrtc.SessionDescription, error)
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerEvents carries the callbacks a new peer connection must emit.
type PeerEvents struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnStateChange func(webrtc.PeerConnectionState)
}

// PeerFactory builds a fresh peer connection for a call attempt. The
// controller replaces connections wholesale; it never reconfigures one.
type PeerFactory func(tracks []webrtc.TrackLocal, events PeerEvents) (PeerConnection, error)

// Hooks surface session transitions to the embedding UI or agent loop.
// They are invoked outside the controller's lock and must not call back
// into the controller synchronously from OnIncoming.
type Hooks struct {
	OnIncoming    func(Session)
	OnAccepted    func(Session)
	OnEnded       func(Session)
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

const defaultOfferWaitTimeout = 15 * time.Second

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	ControlPlane ControlPlane
	Signaling    Signaler
	Media        media.Acquirer
	NewPeer      PeerFactory
	Hooks        Hooks

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	OfferWaitTimeout time.Duration

	// Now overrides the wall clock, used by tests for duration accounting.
	Now func() time.Time
}

// Controller is the call state machine. It owns at most one Session at a
// time and sequences the control plane, media acquisition and signaling for
// it. All waits (media prompt, transport readiness, offer arrival) are
// cancellable by a concurrent End, which funnels every path through one
// idempotent teardown.
type Controller struct {
	cp      ControlPlane
	sig     Signaler
	media   media.Acquirer
	newPeer PeerFactory
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	offerWaitTimeout time.Duration

	mu         sync.Mutex
	state      State
	session    *Session
	pc         PeerConnection
	localMedia *media.LocalMedia
	offers     *offerWait
	cancel     context.CancelFunc
	sessionCtx context.Context

	// pcClosed is set when the connection reports closed or failed before
	// the remote description is applied; the answer path consumes it for
	// the single recreate retry.
	pcClosed      bool
	remoteDescSet bool

	// earlyCandidates holds remote candidates that arrive before a
	// connection exists to apply them to.
	earlyCandidates []webrtc.ICECandidateInit
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.ControlPlane == nil || cfg.Signaling == nil || cfg.Media == nil || cfg.NewPeer == nil {
		return nil, errors.New("call: controller requires control plane, signaling, media and peer factory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OfferWaitTimeout <= 0 {
		cfg.OfferWaitTimeout = defaultOfferWaitTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cp:               cfg.ControlPlane,
		sig:              cfg.Signaling,
		media:            cfg.Media,
		newPeer:          cfg.NewPeer,
		hooks:            cfg.Hooks,
		logger:           cfg.Logger.With(slog.String("component", "call")),
		metrics:          cfg.Metrics,
		now:              cfg.Now,
		offerWaitTimeout: cfg.OfferWaitTimeout,
		state:            StateIdle,
		offers:           newOfferWait(),
	}, nil
}

// Initiate starts an outbound call. The control plane registers the call
// before media is acquired so the callee's device starts ringing without
// waiting on the local permission prompt. The offer goes on the wire as soon
// as it is created; applying it as the local description continues in the
// background.
func (c *Controller) Initiate(ctx context.Context, receiverID string, callType media.CallType, conversationID string) error {
	c.mu.Lock()
	if c.session != nil || c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = StateInitiating
	sctx, cancel := context.WithCancel(context.Background())
	c.sessionCtx = sctx
	c.cancel = cancel
	c.mu.Unlock()

	registered, err := c.cp.Initiate(ctx, controlplane.InitiateRequest{
		ReceiverID:     receiverID,
		CallType:       string(callType),
		ConversationID: conversationID,
	})
	if err != nil {
		c.resetIfUnstarted()
		return fmt.Errorf("initiate call: %w", err)
	}

	sess := &Session{
		ID:             registered.ID,
		Type:           callType,
		Role:           RoleCaller,
		PeerID:         receiverID,
		ConversationID: conversationID,
		StartedAt:      c.now(),
	}

	c.mu.Lock()
	if c.state != StateInitiating {
		// End raced the control plane call.
		c.mu.Unlock()
		c.notifyDisposition(sess.ID, false)
		return ErrSessionEnded
	}
	c.session = sess
	c.mu.Unlock()

	c.logger.Info("call initiated",
		slog.String("call_id", sess.ID),
		slog.String("call_type", string(callType)),
		slog.String("receiver_id", receiverID))

	local, err := c.media.Acquire(sctx, callType)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			c.count(metrics.MediaPermissionDenied)
		}
		return c.failSession(sess, fmt.Errorf("acquire media: %w", err))
	}
	if !c.adoptMedia(sess, local) {
		return ErrSessionEnded
	}

	pc, err := c.newPeer(localTracks(local), c.peerEvents(sess.ID))
	if err != nil {
		return c.failSession(sess, fmt.Errorf("create peer connection: %w", err))
	}
	if !c.adoptPeer(sess, pc) {
		return ErrSessionEnded
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return c.failSession(sess, fmt.Errorf("create offer: %w", err))
	}

	if err := c.sig.WaitReady(sctx); err != nil {
		return c.failSession(sess, fmt.Errorf("transport not ready: %w", err))
	}
	if err := c.sig.SendOffer(sctx, sess.ID, string(sess.Type), offer); err != nil {
		return c.failSession(sess, fmt.Errorf("send offer: %w", err))
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.state == StateInitiating {
		// An answer may have landed already and moved the call to Active;
		// do not regress it.
		c.state = StateAwaitingRemote
	}
	c.mu.Unlock()

	c.count(metrics.CallsInitiated)
	return nil
}

// Answer accepts the current incoming call. Duplicate invocations while an
// answer is in flight are no-ops. The offer may already be cached (it
// arrived before the user picked up, or rode along on the ring); otherwise
// Answer blocks on the offer wait.
func (c *Controller) Answer(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.state != StateIncoming {
		done := c.state == StateNegotiating || c.state == StateActive
		c.mu.Unlock()
		if done {
			// Already answering or answered; duplicate pickup is a no-op.
			return nil
		}
		return ErrSessionActive
	}
	c.state = StateNegotiating
	stale := c.pc
	c.pc = nil
	c.pcClosed = false
	sctx := c.sessionCtx
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	local, err := c.media.Acquire(sctx, sess.Type)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			c.count(metrics.MediaPermissionDenied)
		}
		return c.failSession(sess, fmt.Errorf("acquire media: %w", err))
	}
	if !c.adoptMedia(sess, local) {
		return ErrSessionEnded
	}

	tracks := localTracks(local)
	pc, err := c.newPeer(tracks, c.peerEvents(sess.ID))
	if err != nil {
		return c.failSession(sess, fmt.Errorf("create peer connection: %w", err))
	}
	if !c.adoptPeer(sess, pc) {
		return ErrSessionEnded
	}

	if err := c.cp.Accept(ctx, sess.ID); err != nil {
		return c.failSession(sess, fmt.Errorf("accept call: %w", err))
	}

	offer, err := c.offers.Await(sctx, c.offerWaitTimeout)
	if err != nil {
		if errors.Is(err, ErrOfferTimeout) {
			c.count(metrics.OfferWaitTimeouts)
		}
		return c.failSession(sess, fmt.Errorf("await offer: %w", err))
	}

	// One bounded recovery: if the connection died while we waited on the
	// prompt or the offer, rebuild it from the already-acquired tracks.
	pc, err = c.recreateIfClosed(sess, pc, tracks)
	if err != nil {
		return c.failSession(sess, err)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return c.failSession(sess, fmt.Errorf("set remote offer: %w", err))
	}
	c.mu.Lock()
	c.remoteDescSet = true
	c.mu.Unlock()

	answer, err := pc.CreateAnswer()
	if err != nil {
		return c.failSession(sess, fmt.Errorf("create answer: %w", err))
	}

	if err := c.sig.WaitReady(sctx); err != nil {
		return c.failSession(sess, fmt.Errorf("transport not ready: %w", err))
	}
	if err := c.sig.SendAnswer(sctx, sess.ID, answer); err != nil {
		return c.failSession(sess, fmt.Errorf("send answer: %w", err))
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	c.state = StateActive
	c.mu.Unlock()

	c.count(metrics.CallsAnswered)
	c.logger.Info("call answered", slog.String("call_id", sess.ID))
	if c.hooks.OnAccepted != nil {
		c.hooks.OnAccepted(*sess)
	}
	return nil
}

// End terminates the current call from any state. It is idempotent and safe
// to call concurrently with a suspended Initiate or Answer; those return
// ErrSessionEnded once their wait is cancelled.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == StateActive
	c.state = StateEnding
	c.mu.Unlock()

	sess.EndedAt = c.now()
	var duration time.Duration
	if wasActive {
		duration = sess.EndedAt.Sub(sess.StartedAt)
	}

	if err := c.cp.End(ctx, sess.ID, duration); err != nil {
		c.logger.Warn("control plane end failed",
			slog.String("call_id", sess.ID),
			slog.String("error", err.Error()))
	}
	_ = c.sig.SendHangup(ctx, sess.ID)

	c.teardown(sess, StateEnded)
	c.count(metrics.CallsEnded)
	c.logger.Info("call ended",
		slog.String("call_id", sess.ID),
		slog.Duration("duration", duration))
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded(*sess)
	}
	return nil
}

// Reject declines a call without touching media or peer connection state;
// nothing was acquired on the decline path.
func (c *Controller) Reject(ctx context.Context, callID string) error {
	if err := c.cp.Reject(ctx, callID); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}

	c.mu.Lock()
	sess := c.session
	if sess != nil && sess.ID == callID && c.state == StateIncoming {
		c.session = nil
		c.state = StateIdle
		c.offers.Reset()
		c.pcClosed = false
		c.remoteDescSet = false
		// Candidates buffered for the rejected call must not leak into the
		// next session's connection.
		c.earlyCandidates = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.sessionCtx = nil
	} else {
		sess = nil
	}
	c.mu.Unlock()

	c.count(metrics.CallsRejected)
	if sess != nil && c.hooks.OnEnded != nil {
		c.hooks.OnEnded(*sess)
	}
	return nil
}

// Snapshot reports the controller's current state for the debug endpoint.
type Snapshot struct {
	State           string   `json:"state"`
	Session         *Session `json:"session,omitempty"`
	ConnectionState string   `json:"connection_state,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state.String()}
	if c.session != nil {
		sess := *c.session
		snap.Session = &sess
	}
	if c.pc != nil {
		snap.ConnectionState = c.pc.ConnectionState().String()
	}
	return snap
}

// failSession converges a failed attempt on the shared teardown and reports
// the disposition to the control plane so the remote side is not left
// ringing.
func (c *Controller) failSession(sess *Session, cause error) error {
	c.mu.Lock()
	if c.session != sess {
		// End already tore this session down; the cancellation is the story.
		c.mu.Unlock()
		return ErrSessionEnded
	}
	c.mu.Unlock()

	c.notifyDisposition(sess.ID, sess.Role == RoleCallee)
	c.teardown(sess, StateFailed)
	c.count(metrics.CallsFailed)
	c.logger.Error("call failed",
		slog.String("call_id", sess.ID),
		slog.String("error", cause.Error()))
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded(*sess)
	}
	return cause
}

// notifyDisposition tells the control plane a call attempt is over. Callees
// reject; callers end with zero duration.
func (c *Controller) notifyDisposition(callID string, reject bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if reject {
		err = c.cp.Reject(ctx, callID)
	} else {
		err = c.cp.End(ctx, callID, 0)
	}
	if err != nil {
		c.logger.Warn("control plane disposition failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}

// teardown is the single resource-release path. Every terminal transition
// goes through it: media closed, connection closed, offer cache cleared,
// state back to Idle.
func (c *Controller) teardown(sess *Session, terminal State) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	local := c.localMedia
	cancel := c.cancel
	c.pc = nil
	c.localMedia = nil
	c.session = nil
	c.cancel = nil
	c.sessionCtx = nil
	c.pcClosed = false
	c.remoteDescSet = false
	c.earlyCandidates = nil
	c.state = terminal
	c.offers.Reset()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if local != nil {
		if err := local.Close(); err != nil {
			c.logger.Warn("release media failed", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	if c.session == nil && (c.state == StateEnded || c.state == StateFailed) {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// resetIfUnstarted unwinds a session slot that never got a control plane id.
func (c *Controller) resetIfUnstarted() {
	c.mu.Lock()
	if c.session == nil && c.state == StateInitiating {
		c.state = StateIdle
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.sessionCtx = nil
	}
	c.mu.Unlock()
}

// adoptMedia records acquired media against the session, closing it instead
// when the session was torn down during the permission prompt.
func (c *Controller) adoptMedia(sess *Session, local *media.LocalMedia) bool {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		_ = local.Close()
		return false
	}
	c.localMedia = local
	c.mu.Unlock()
	return true
}

// adoptPeer records a new connection, closing it when the session is gone.
// Candidates that arrived before the connection existed are flushed into it;
// the connection buffers them until the remote description lands.
func (c *Controller) adoptPeer(sess *Session, pc PeerConnection) bool {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		_ = pc.Close()
		return false
	}
	c.pc = pc
	c.pcClosed = false
	early := c.earlyCandidates
	c.earlyCandidates = nil
	c.mu.Unlock()

	for _, init := range early {
		if err := pc.AddRemoteCandidate(init); err != nil {
			c.logger.Warn("apply early candidate failed",
				slog.String("call_id", sess.ID),
				slog.String("error", err.Error()))
		}
	}
	return true
}

// recreateIfClosed spends the answer path's single recovery retry when the
// connection died before the remote description was applied.
func (c *Controller) recreateIfClosed(sess *Session, pc PeerConnection, tracks []webrtc.TrackLocal) (PeerConnection, error) {
	c.mu.Lock()
	closed := c.pcClosed || isTerminalConnState(pc.ConnectionState())
	c.mu.Unlock()
	if !closed {
		return pc, nil
	}

	c.count(metrics.PeerConnectionRecreated)
	c.logger.Warn("recreating peer connection", slog.String("call_id", sess.ID))
	_ = pc.Close()

	fresh, err := c.newPeer(tracks, c.peerEvents(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("recreate peer connection: %w", err)
	}
	if !c.adoptPeer(sess, fresh) {
		return nil, ErrSessionEnded
	}
	if isTerminalConnState(fresh.ConnectionState()) {
		_ = fresh.Close()
		return nil, ErrConnectionClosed
	}
	return fresh, nil
}

func isTerminalConnState(s webrtc.PeerConnectionState) bool {
	return s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateFailed
}

// peerEvents wires a connection's callbacks back into the controller,
// pinned to the session id the connection was built for so a stale
// connection's events are ignored.
func (c *Controller) peerEvents(callID string) PeerEvents {
	return PeerEvents{
		OnCandidate: func(init webrtc.ICECandidateInit) {
			c.mu.Lock()
			sess := c.session
			sctx := c.sessionCtx
			c.mu.Unlock()
			if sess == nil || sess.ID != callID || sctx == nil {
				// Candidate events from a connection with no live session
				// are noise.
				return
			}
			if err := c.sig.SendCandidate(sctx, callID, init); err != nil {
				c.logger.Warn("send candidate failed",
					slog.String("call_id", callID),
					slog.String("error", err.Error()))
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			c.logger.Info("remote track",
				slog.String("call_id", callID),
				slog.String("kind", track.Kind().String()))
			if c.hooks.OnRemoteTrack != nil {
				c.hooks.OnRemoteTrack(track, receiver)
			}
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			c.handleConnStateChange(callID, state)
		},
	}
}

func (c *Controller) handleConnStateChange(callID string, state webrtc.PeerConnectionState) {
	c.logger.Debug("connection state",
		slog.String("call_id", callID),
		slog.String("state", state.String()))

	if !isTerminalConnState(state) {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID != callID {
		c.mu.Unlock()
		return
	}
	if !c.remoteDescSet {
		// Setup-phase death: flag it for the answer path's recovery retry.
		c.pcClosed = true
		c.mu.Unlock()
		return
	}
	active := c.state == StateActive
	c.mu.Unlock()

	if active {
		// Established call died; run the normal end path so the control
		// plane records the disposition.
		go func() {
			_ = c.End(context.Background())
		}()
	}
}

func (c *Controller) count(name string) {
	if c.metrics != nil {
		c.metrics.Inc(name)
	}
}

func localTracks(local *media.LocalMedia) []webrtc.TrackLocal {
	if local == nil {
		return nil
	}
	tracks := make([]webrtc.TrackLocal, 0, len(local.Tracks))
	for _, t := range local.Tracks {
		tracks = append(tracks, t)
	}
	return tracks
}
