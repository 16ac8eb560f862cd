package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/media"
	"github.com/openbook-social/calling/internal/metrics"
)

func TestInitiate_HappyPath(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVideo, "conv-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	snap := f.ctrl.Snapshot()
	if snap.State != "awaiting_remote" {
		t.Fatalf("state=%q, want awaiting_remote", snap.State)
	}
	if snap.Session == nil || snap.Session.ID != "call-42" || snap.Session.Role != RoleCaller {
		t.Fatalf("unexpected session: %#v", snap.Session)
	}

	offers := f.sig.sentOffers()
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0].callID != "call-42" || offers[0].callType != "video" {
		t.Fatalf("unexpected offer: %#v", offers[0])
	}
	if got := f.metrics.Get(metrics.CallsInitiated); got != 1 {
		t.Fatalf("CallsInitiated=%d, want 1", got)
	}
}

func TestInitiate_OfferNeverSentBeforeControlPlaneResolves(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	initiateIdx := f.log.indexOf("cp.initiate")
	offerIdx := f.log.indexOf("sig.offer")
	if initiateIdx < 0 || offerIdx < 0 {
		t.Fatalf("missing events: %v", f.log.events)
	}
	if initiateIdx > offerIdx {
		t.Fatalf("offer sent before control plane initiate: %v", f.log.events)
	}
}

func TestInitiate_OfferSentWithoutAwaitingLocalDescription(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVideo, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// The fake never applies the local description, so a sent offer proves
	// the path does not wait on it.
	pc := f.peers.peer(0)
	pc.mu.Lock()
	applied := pc.localApplied
	pc.mu.Unlock()
	if applied {
		t.Fatalf("test fake unexpectedly applied local description")
	}
	if len(f.sig.sentOffers()) != 1 {
		t.Fatalf("offer was not sent")
	}
}

func TestInitiate_SecondCallWhileActive(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.ctrl.Initiate(context.Background(), "user-3", media.CallTypeVoice, ""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err=%v, want ErrSessionActive", err)
	}
	if len(f.sig.sentOffers()) != 1 {
		t.Fatalf("second initiate sent an offer")
	}
}

func TestInitiate_ControlPlaneFailure(t *testing.T) {
	f := newFixture(t)
	f.cp.initiateErr = errors.New("backend down")

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err == nil {
		t.Fatalf("expected error")
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
	// Nothing was acquired before the control plane call, so a retry must
	// work immediately.
	f.cp.initiateErr = nil
	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("retry initiate: %v", err)
	}
}

func TestInitiate_TransportNotReady(t *testing.T) {
	f := newFixture(t)
	f.sig.readyErr = errors.New("transport readiness timeout")

	err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVideo, "")
	if err == nil {
		t.Fatalf("expected error")
	}

	if got := f.acq.liveTracks(); got != 0 {
		t.Fatalf("%d media tracks still live after failure", got)
	}
	if !f.peers.peer(0).isClosed() {
		t.Fatalf("peer connection not closed after failure")
	}
	if f.cp.endCount() != 1 {
		t.Fatalf("control plane end called %d times, want 1", f.cp.endCount())
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
	if got := f.metrics.Get(metrics.CallsFailed); got != 1 {
		t.Fatalf("CallsFailed=%d, want 1", got)
	}
}

func TestInitiate_MediaPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.acq.err = media.ErrPermissionDenied

	err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVideo, "")
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err=%v, want ErrPermissionDenied", err)
	}

	// The remote side must not be left ringing.
	if f.cp.endCount() != 1 {
		t.Fatalf("control plane end called %d times, want 1", f.cp.endCount())
	}
	if len(f.sig.sentOffers()) != 0 {
		t.Fatalf("offer sent despite media failure")
	}
	if got := f.metrics.Get(metrics.MediaPermissionDenied); got != 1 {
		t.Fatalf("MediaPermissionDenied=%d, want 1", got)
	}
}

func TestAnswer_OfferAlreadyCached(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 early"))

	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	assertAnswered(t, f, "call-7", "v=0 early")
}

func TestAnswer_OfferArrivesWhileWaiting(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 late"))
	}()

	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	assertAnswered(t, f, "call-7", "v=0 late")
}

func assertAnswered(t *testing.T, f *fixture, callID, wantSDP string) {
	t.Helper()
	snap := f.ctrl.Snapshot()
	if snap.State != "active" {
		t.Fatalf("state=%q, want active", snap.State)
	}
	if len(f.cp.accepted) != 1 || f.cp.accepted[0] != callID {
		t.Fatalf("accepted=%v", f.cp.accepted)
	}
	answers := f.sig.sentAnswers()
	if len(answers) != 1 || answers[0].callID != callID {
		t.Fatalf("answers=%v", answers)
	}
	pc := f.peers.peer(0)
	pc.mu.Lock()
	remote := pc.remoteDesc
	pc.mu.Unlock()
	if remote == nil || remote.SDP != wantSDP {
		t.Fatalf("remote description=%v, want sdp %q", remote, wantSDP)
	}
	_, accepted, _ := f.hooks.counts()
	if accepted != 1 {
		t.Fatalf("OnAccepted fired %d times, want 1", accepted)
	}
}

func TestAnswer_RaceOrderIndependence(t *testing.T) {
	// Both orderings must land in the same final state.
	early := newFixture(t)
	early.ring(t, "call-7")
	early.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	if err := early.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer with cached offer: %v", err)
	}

	late := newFixture(t)
	late.ring(t, "call-7")
	go func() {
		time.Sleep(20 * time.Millisecond)
		late.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	}()
	if err := late.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer with late offer: %v", err)
	}

	a, b := early.ctrl.Snapshot(), late.ctrl.Snapshot()
	if a.State != b.State || a.Session.ID != b.Session.ID {
		t.Fatalf("final states diverge: %#v vs %#v", a, b)
	}
}

func TestAnswer_OfferArrivesDuringPermissionPrompt(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	release := make(chan struct{})
	f.acq.release = release

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Answer(context.Background()) }()

	// Offer lands while the user is still staring at the prompt.
	time.Sleep(20 * time.Millisecond)
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 during-prompt"))
	close(release)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("answer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("answer never returned")
	}
	assertAnswered(t, f, "call-7", "v=0 during-prompt")
}

func TestAnswer_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	release := make(chan struct{})
	f.acq.release = release

	first := make(chan error, 1)
	go func() { first <- f.ctrl.Answer(context.Background()) }()

	// Wait until the first answer is suspended in media acquisition.
	waitForState(t, f.ctrl, "negotiating")

	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("duplicate answer should be a no-op, got %v", err)
	}

	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if len(f.cp.accepted) != 1 {
		t.Fatalf("accept called %d times, want 1", len(f.cp.accepted))
	}
	if len(f.sig.sentAnswers()) != 1 {
		t.Fatalf("answer sent %d times, want 1", len(f.sig.sentAnswers()))
	}
}

func TestAnswer_WithoutIncomingCall(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Answer(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}
}

func TestAnswer_OfferTimeout(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	err := f.ctrl.Answer(context.Background())
	if !errors.Is(err, ErrOfferTimeout) {
		t.Fatalf("err=%v, want ErrOfferTimeout", err)
	}

	if got := f.cp.rejectedIDs(); len(got) != 1 || got[0] != "call-7" {
		t.Fatalf("rejected=%v, want [call-7]", got)
	}
	if got := f.acq.liveTracks(); got != 0 {
		t.Fatalf("%d media tracks still live", got)
	}
	if got := f.metrics.Get(metrics.OfferWaitTimeouts); got != 1 {
		t.Fatalf("OfferWaitTimeouts=%d, want 1", got)
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
}

func TestAnswer_RecreatesClosedConnectionOnce(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))

	// First connection dies before the remote description is applied.
	dead := newFakePeer(f.log)
	dead.setState(webrtc.PeerConnectionStateClosed)
	f.peers.mu.Lock()
	f.peers.queue = append(f.peers.queue, dead)
	f.peers.mu.Unlock()

	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if f.peers.count() != 2 {
		t.Fatalf("created %d connections, want 2", f.peers.count())
	}
	if !f.peers.peer(0).isClosed() {
		t.Fatalf("dead connection was not closed")
	}
	if got := f.metrics.Get(metrics.PeerConnectionRecreated); got != 1 {
		t.Fatalf("PeerConnectionRecreated=%d, want 1", got)
	}
	if got := f.ctrl.Snapshot().State; got != "active" {
		t.Fatalf("state=%q, want active", got)
	}
}

func TestAnswer_SecondClosedConnectionFailsTerminally(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))

	deadA := newFakePeer(f.log)
	deadA.setState(webrtc.PeerConnectionStateClosed)
	deadB := newFakePeer(f.log)
	deadB.setState(webrtc.PeerConnectionStateFailed)
	f.peers.mu.Lock()
	f.peers.queue = append(f.peers.queue, deadA, deadB)
	f.peers.mu.Unlock()

	err := f.ctrl.Answer(context.Background())
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err=%v, want ErrConnectionClosed", err)
	}
	if got := f.acq.liveTracks(); got != 0 {
		t.Fatalf("%d media tracks still live", got)
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
}

func TestEnd_DuringNegotiation(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Answer(context.Background()) }()

	// Let the answer reach the offer wait, then hang up locally.
	waitForState(t, f.ctrl, "negotiating")
	time.Sleep(20 * time.Millisecond)

	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("answer err=%v, want ErrSessionEnded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("answer never returned after end")
	}

	if f.cp.endCount() != 1 {
		t.Fatalf("control plane end called %d times, want 1", f.cp.endCount())
	}
	if got := f.acq.liveTracks(); got != 0 {
		t.Fatalf("%d media tracks still live", got)
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
}

func TestEnd_ActiveCallReportsDuration(t *testing.T) {
	f := newFixture(t)

	now := time.Unix(1000, 0)
	f.ctrl.now = func() time.Time { return now }

	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	now = now.Add(95 * time.Second)
	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}

	f.cp.mu.Lock()
	ended := append([]endedCall(nil), f.cp.ended...)
	f.cp.mu.Unlock()
	if len(ended) != 1 {
		t.Fatalf("ended=%v, want one entry", ended)
	}
	if ended[0].duration != 95*time.Second {
		t.Fatalf("duration=%v, want 95s", ended[0].duration)
	}
	if !f.peers.peer(0).isClosed() {
		t.Fatalf("peer connection not closed")
	}
	_, _, endedHooks := f.hooks.counts()
	if endedHooks != 1 {
		t.Fatalf("OnEnded fired %d times, want 1", endedHooks)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("end with no session: %v", err)
	}
	if f.cp.endCount() != 0 {
		t.Fatalf("control plane end called with no session")
	}

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if f.cp.endCount() != 1 {
		t.Fatalf("control plane end called %d times, want 1", f.cp.endCount())
	}
}

func TestReject_NeverTouchesMedia(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	if err := f.ctrl.Reject(context.Background(), "call-7"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if got := f.cp.rejectedIDs(); len(got) != 1 || got[0] != "call-7" {
		t.Fatalf("rejected=%v", got)
	}
	f.acq.mu.Lock()
	acquisitions := len(f.acq.tracks)
	f.acq.mu.Unlock()
	if acquisitions != 0 {
		t.Fatalf("media acquired on reject path")
	}
	if f.peers.count() != 0 {
		t.Fatalf("peer connection created on reject path")
	}
	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
}

func TestReject_DiscardsCandidatesBufferedForDeclinedCall(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-a")
	f.ctrl.HandleCandidate("call-a", webrtc.ICECandidateInit{Candidate: "candidate:from-call-a"})

	if err := f.ctrl.Reject(context.Background(), "call-a"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	f.ring(t, "call-b")
	f.ctrl.HandleOffer("call-b", "voice", testOffer("v=0 sdp-b"))
	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if got := f.peers.peer(0).candidateCount(); got != 0 {
		t.Fatalf("connection received %d candidates buffered for the rejected call, want 0", got)
	}
}

func TestHandleAnswer_DuringOfferSendCompletesCall(t *testing.T) {
	f := newFixture(t)
	f.sig.afterSendOffer = func() {
		f.ctrl.HandleAnswer("call-42", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})
	}

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if got := f.ctrl.Snapshot().State; got != "active" {
		t.Fatalf("state=%q, want active", got)
	}
	_, accepted, _ := f.hooks.counts()
	if accepted != 1 {
		t.Fatalf("OnAccepted fired %d times, want 1", accepted)
	}
	if got := f.metrics.Get(metrics.SignalingDroppedStaleCall); got != 0 {
		t.Fatalf("answer was dropped as stale (%d drops)", got)
	}
}

func TestHandleRing_DuringInitiateWindowIsRejectedAsBusy(t *testing.T) {
	f := newFixture(t)
	f.cp.duringInitiate = func() {
		f.ctrl.HandleRing("call-99", "voice", "user-3", nil)
	}

	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	snap := f.ctrl.Snapshot()
	if snap.Session == nil || snap.Session.ID != "call-42" || snap.Session.Role != RoleCaller {
		t.Fatalf("ring hijacked the outbound session: %+v", snap.Session)
	}
	incoming, _, _ := f.hooks.counts()
	if incoming != 0 {
		t.Fatalf("OnIncoming fired %d times during outbound call, want 0", incoming)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := f.cp.rejectedIDs(); len(got) == 1 && got[0] == "call-99" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("concurrent ring was never rejected: %v", f.cp.rejectedIDs())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleAnswer_CompletesCallerCall(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	f.ctrl.HandleAnswer("call-42", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})

	snap := f.ctrl.Snapshot()
	if snap.State != "active" {
		t.Fatalf("state=%q, want active", snap.State)
	}
	_, accepted, _ := f.hooks.counts()
	if accepted != 1 {
		t.Fatalf("OnAccepted fired %d times, want 1", accepted)
	}
}

func TestHandleMessages_MismatchedCallIDDiscarded(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	f.ctrl.HandleAnswer("other-call", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	f.ctrl.HandleCandidate("other-call", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	f.ctrl.HandleHangup("other-call")

	if got := f.ctrl.Snapshot().State; got != "awaiting_remote" {
		t.Fatalf("state=%q, stale messages mutated the session", got)
	}
	if got := f.metrics.Get(metrics.SignalingDroppedStaleCall); got != 3 {
		t.Fatalf("SignalingDroppedStaleCall=%d, want 3", got)
	}
}

func TestHandleCandidate_BufferedUntilConnectionExists(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")

	// Candidates trickle in before Answer has built a connection.
	f.ctrl.HandleCandidate("call-7", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	f.ctrl.HandleCandidate("call-7", webrtc.ICECandidateInit{Candidate: "candidate:2"})

	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if got := f.peers.peer(0).candidateCount(); got != 2 {
		t.Fatalf("connection received %d candidates, want 2", got)
	}
}

func TestHandleRing_BusyRejectsNewCall(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	f.ctrl.HandleRing("call-99", "video", "user-3", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := f.cp.rejectedIDs(); len(got) == 1 && got[0] == "call-99" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("busy ring was never rejected: %v", f.cp.rejectedIDs())
		}
		time.Sleep(time.Millisecond)
	}

	if got := f.ctrl.Snapshot().Session.ID; got != "call-42" {
		t.Fatalf("session=%q, busy ring replaced the active session", got)
	}
}

func TestHandleRing_EmbeddedOfferIsConsumed(t *testing.T) {
	f := newFixture(t)
	offer := testOffer("v=0 embedded")
	f.ctrl.HandleRing("call-7", "voice", "user-caller", &offer)

	incoming, _, _ := f.hooks.counts()
	if incoming != 1 {
		t.Fatalf("OnIncoming fired %d times, want 1", incoming)
	}

	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	assertAnswered(t, f, "call-7", "v=0 embedded")
}

func TestHandleHangup_TearsDownSession(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	f.ctrl.HandleHangup("call-7")

	if got := f.ctrl.Snapshot().State; got != "idle" {
		t.Fatalf("state=%q, want idle", got)
	}
	if got := f.acq.liveTracks(); got != 0 {
		t.Fatalf("%d media tracks still live", got)
	}
	_, _, ended := f.hooks.counts()
	if ended != 1 {
		t.Fatalf("OnEnded fired %d times, want 1", ended)
	}
}

func TestPeerEvents_CandidatesForwardedOnlyWithSession(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Initiate(context.Background(), "user-2", media.CallTypeVoice, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	events := f.peers.eventsFor(0)
	events.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:live"})

	f.sig.mu.Lock()
	sent := len(f.sig.candidates)
	f.sig.mu.Unlock()
	if sent != 1 {
		t.Fatalf("candidate not forwarded while session live")
	}

	if err := f.ctrl.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	events.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:stale"})

	f.sig.mu.Lock()
	sent = len(f.sig.candidates)
	f.sig.mu.Unlock()
	if sent != 1 {
		t.Fatalf("stale connection's candidate was forwarded")
	}
}

func TestPeerEvents_FailureWhileActiveEndsCall(t *testing.T) {
	f := newFixture(t)
	f.ring(t, "call-7")
	f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0 sdp"))
	if err := f.ctrl.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	events := f.peers.eventsFor(f.peers.count() - 1)
	events.OnStateChange(webrtc.PeerConnectionStateFailed)

	waitForState(t, f.ctrl, "idle")
	if f.cp.endCount() != 1 {
		t.Fatalf("control plane end called %d times, want 1", f.cp.endCount())
	}
}

func TestTerminalOutcome_NoLiveMediaAfterAnyPath(t *testing.T) {
	// Every terminal outcome must leave zero live tracks.
	outcomes := []func(t *testing.T) *fixture{
		func(t *testing.T) *fixture { // ended without connecting
			f := newFixture(t)
			if err := f.ctrl.Initiate(context.Background(), "u", media.CallTypeVoice, ""); err != nil {
				t.Fatalf("initiate: %v", err)
			}
			_ = f.ctrl.End(context.Background())
			return f
		},
		func(t *testing.T) *fixture { // failed
			f := newFixture(t)
			f.sig.readyErr = errors.New("not ready")
			_ = f.ctrl.Initiate(context.Background(), "u", media.CallTypeVoice, "")
			return f
		},
		func(t *testing.T) *fixture { // active then ended
			f := newFixture(t)
			f.ring(t, "call-7")
			f.ctrl.HandleOffer("call-7", "voice", testOffer("v=0"))
			if err := f.ctrl.Answer(context.Background()); err != nil {
				t.Fatalf("answer: %v", err)
			}
			_ = f.ctrl.End(context.Background())
			return f
		},
	}

	for i, run := range outcomes {
		f := run(t)
		if got := f.acq.liveTracks(); got != 0 {
			t.Fatalf("outcome %d left %d live tracks", i, got)
		}
		if got := f.ctrl.Snapshot().State; got != "idle" {
			t.Fatalf("outcome %d state=%q, want idle", i, got)
		}
	}
}

func waitForState(t *testing.T, ctrl *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if ctrl.Snapshot().State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state=%q, never reached %q", ctrl.Snapshot().State, want)
		}
		time.Sleep(time.Millisecond)
	}
}
