package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/controlplane"
	"github.com/openbook-social/calling/internal/media"
	"github.com/openbook-social/calling/internal/metrics"
)

// eventLog records cross-fake ordering so tests can assert sequencing
// invariants like "offer sent after control plane initiate resolved".
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	l.events = append(l.events, name)
	l.mu.Unlock()
}

func (l *eventLog) indexOf(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == name {
			return i
		}
	}
	return -1
}

type endedCall struct {
	id       string
	duration time.Duration
}

type fakeControlPlane struct {
	log *eventLog

	mu          sync.Mutex
	initiateID  string
	initiateErr error
	acceptErr   error
	rejectErr   error
	endErr      error

	// duringInitiate runs while Initiate is in flight, before the call id
	// is returned, so tests can interleave signaling with the registration
	// round trip.
	duringInitiate func()

	initiated []controlplane.InitiateRequest
	accepted  []string
	rejected  []string
	ended     []endedCall
}

func (f *fakeControlPlane) Initiate(_ context.Context, req controlplane.InitiateRequest) (*controlplane.Call, error) {
	f.mu.Lock()
	if f.initiateErr != nil {
		f.mu.Unlock()
		return nil, f.initiateErr
	}
	f.initiated = append(f.initiated, req)
	f.log.add("cp.initiate")
	id := f.initiateID
	during := f.duringInitiate
	f.mu.Unlock()

	if during != nil {
		during()
	}
	return &controlplane.Call{
		ID:         id,
		ReceiverID: req.ReceiverID,
		CallType:   req.CallType,
		Status:     "ringing",
	}, nil
}

func (f *fakeControlPlane) Accept(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, callID)
	f.log.add("cp.accept")
	return nil
}

func (f *fakeControlPlane) Reject(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectErr != nil {
		return f.rejectErr
	}
	f.rejected = append(f.rejected, callID)
	f.log.add("cp.reject")
	return nil
}

func (f *fakeControlPlane) End(_ context.Context, callID string, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, endedCall{id: callID, duration: duration})
	f.log.add("cp.end")
	return nil
}

func (f *fakeControlPlane) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

func (f *fakeControlPlane) rejectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rejected...)
}

type sentOffer struct {
	callID   string
	callType string
	offer    webrtc.SessionDescription
}

type sentAnswer struct {
	callID string
	answer webrtc.SessionDescription
}

type fakeSignaler struct {
	log *eventLog

	mu         sync.Mutex
	readyErr   error
	sendErr    error
	offers     []sentOffer
	answers    []sentAnswer
	candidates []webrtc.ICECandidateInit
	hangups    []string

	// afterSendOffer runs once the offer is on the wire, so tests can race
	// the remote's reply against the caller's own state transition.
	afterSendOffer func()
}

func (f *fakeSignaler) WaitReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeSignaler) SendOffer(_ context.Context, callID, callType string, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.offers = append(f.offers, sentOffer{callID: callID, callType: callType, offer: offer})
	f.log.add("sig.offer")
	after := f.afterSendOffer
	f.mu.Unlock()

	if after != nil {
		after()
	}
	return nil
}

func (f *fakeSignaler) SendAnswer(_ context.Context, callID string, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.answers = append(f.answers, sentAnswer{callID: callID, answer: answer})
	f.log.add("sig.answer")
	return nil
}

func (f *fakeSignaler) SendCandidate(_ context.Context, callID string, cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeSignaler) SendHangup(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	f.log.add("sig.hangup")
	return nil
}

func (f *fakeSignaler) sentOffers() []sentOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentOffer(nil), f.offers...)
}

func (f *fakeSignaler) sentAnswers() []sentAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAnswer(nil), f.answers...)
}

type fakeTrack struct {
	mu     sync.Mutex
	closed bool
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return "fake-audio" }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "fake-stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeAcquirer struct {
	mu  sync.Mutex
	err error

	// release, when non-nil, simulates a permission prompt: Acquire blocks
	// until the channel is closed or the context ends.
	release chan struct{}

	tracks []*fakeTrack
}

func (f *fakeAcquirer) Acquire(ctx context.Context, _ media.CallType) (*media.LocalMedia, error) {
	f.mu.Lock()
	release := f.release
	err := f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	track := &fakeTrack{}
	f.mu.Lock()
	f.tracks = append(f.tracks, track)
	f.mu.Unlock()
	return &media.LocalMedia{Tracks: []media.Track{track}, Label: "fake"}, nil
}

func (f *fakeAcquirer) liveTracks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tracks {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

type fakePeer struct {
	log *eventLog

	mu           sync.Mutex
	state        webrtc.PeerConnectionState
	offerErr     error
	answerErr    error
	remoteErr    error
	localApplied bool
	remoteDesc   *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	closed       bool
}

func newFakePeer(log *eventLog) *fakePeer {
	return &fakePeer{log: log, state: webrtc.PeerConnectionStateNew}
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	p.log.add("pc.create_offer")
	// Local description intentionally stays unapplied; the offer is
	// transmittable as soon as it exists.
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) WaitLocalDescription(ctx context.Context) error {
	return ctx.Err()
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remoteDesc = &desc
	p.log.add("pc.set_remote")
	return nil
}

func (p *fakePeer) AddRemoteCandidate(init webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, init)
	return nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return webrtc.SessionDescription{}, p.answerErr
	}
	if p.remoteDesc == nil {
		return webrtc.SessionDescription{}, errors.New("remote description not set")
	}
	p.log.add("pc.create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.state = webrtc.PeerConnectionStateClosed
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type fakePeerFactory struct {
	log *eventLog

	mu      sync.Mutex
	err     error
	queue   []*fakePeer
	created []*fakePeer
	events  []PeerEvents
}

func (f *fakePeerFactory) New(_ []webrtc.TrackLocal, ev PeerEvents) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var p *fakePeer
	if len(f.queue) > 0 {
		p = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		p = newFakePeer(f.log)
	}
	f.created = append(f.created, p)
	f.events = append(f.events, ev)
	f.log.add("pc.new")
	return p, nil
}

func (f *fakePeerFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakePeerFactory) eventsFor(i int) PeerEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i]
}

type hookRecorder struct {
	mu       sync.Mutex
	incoming []Session
	accepted []Session
	ended    []Session
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnIncoming: func(s Session) {
			h.mu.Lock()
			h.incoming = append(h.incoming, s)
			h.mu.Unlock()
		},
		OnAccepted: func(s Session) {
			h.mu.Lock()
			h.accepted = append(h.accepted, s)
			h.mu.Unlock()
		},
		OnEnded: func(s Session) {
			h.mu.Lock()
			h.ended = append(h.ended, s)
			h.mu.Unlock()
		},
	}
}

func (h *hookRecorder) counts() (incoming, accepted, ended int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.incoming), len(h.accepted), len(h.ended)
}

type fixture struct {
	log     *eventLog
	cp      *fakeControlPlane
	sig     *fakeSignaler
	acq     *fakeAcquirer
	peers   *fakePeerFactory
	hooks   *hookRecorder
	metrics *metrics.Metrics
	ctrl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &eventLog{}
	f := &fixture{
		log:     log,
		cp:      &fakeControlPlane{log: log, initiateID: "call-42"},
		sig:     &fakeSignaler{log: log},
		acq:     &fakeAcquirer{},
		peers:   &fakePeerFactory{log: log},
		hooks:   &hookRecorder{},
		metrics: metrics.New(),
	}
	ctrl, err := NewController(ControllerConfig{
		ControlPlane:     f.cp,
		Signaling:        f.sig,
		Media:            f.acq,
		NewPeer:          f.peers.New,
		Hooks:            f.hooks.hooks(),
		Metrics:          f.metrics,
		OfferWaitTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	return f
}

// ring delivers an incoming-call notification, leaving the controller in
// the incoming state.
func (f *fixture) ring(t *testing.T, callID string) {
	t.Helper()
	f.ctrl.HandleRing(callID, "voice", "user-caller", nil)
	if got := f.ctrl.Snapshot().State; got != "incoming" {
		t.Fatalf("state after ring=%q, want incoming", got)
	}
}
