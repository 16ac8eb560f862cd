package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/media"
	"github.com/openbook-social/calling/internal/metrics"
)

// The controller is the signaling bridge's inbound handler. Every message
// names a call id; anything that does not match the current session is
// discarded and counted.

func (c *Controller) HandleOffer(callID, callType string, offer webrtc.SessionDescription) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.ID != callID {
		c.dropStale("offer", callID)
		return
	}
	c.offers.Deliver(offer)
}

func (c *Controller) HandleAnswer(callID string, answer webrtc.SessionDescription) {
	c.mu.Lock()
	sess := c.session
	pc := c.pc
	// StateInitiating is included because the remote may answer in the gap
	// between the offer going on the wire and Initiate's transition to
	// awaiting-remote.
	waiting := c.state == StateAwaitingRemote || c.state == StateInitiating
	ok := sess != nil && sess.ID == callID && sess.Role == RoleCaller && waiting && pc != nil
	c.mu.Unlock()
	if !ok {
		c.dropStale("answer", callID)
		return
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = c.failSession(sess, err)
		return
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.remoteDescSet = true
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("call accepted by remote", slog.String("call_id", callID))
	if c.hooks.OnAccepted != nil {
		c.hooks.OnAccepted(*sess)
	}
}

func (c *Controller) HandleCandidate(callID string, init webrtc.ICECandidateInit) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID != callID {
		c.mu.Unlock()
		c.dropStale("ice-candidate", callID)
		return
	}
	pc := c.pc
	if pc == nil {
		// The callee may not have built its connection yet; hold the
		// candidate until one is adopted.
		c.earlyCandidates = append(c.earlyCandidates, init)
		c.mu.Unlock()
		c.count(metrics.CandidatesBuffered)
		return
	}
	c.mu.Unlock()

	if err := pc.AddRemoteCandidate(init); err != nil {
		c.logger.Warn("add remote candidate failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) HandleRing(callID, callType, callerID string, offer *webrtc.SessionDescription) {
	ct, err := media.ParseCallType(callType)
	if err != nil {
		c.logger.Warn("dropping ring", slog.String("call_id", callID), slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	if c.session != nil || c.state != StateIdle {
		// A non-idle state with no session yet means an Initiate is in
		// flight between its guard and the control plane response; adopting
		// the ring there would clobber its session slot.
		var busy string
		if c.session != nil {
			busy = c.session.ID
		}
		c.mu.Unlock()
		if busy == callID {
			return
		}
		c.logger.Info("rejecting ring while busy",
			slog.String("call_id", callID),
			slog.String("active_call_id", busy))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.cp.Reject(ctx, callID); err != nil {
				c.logger.Warn("busy reject failed", slog.String("call_id", callID), slog.String("error", err.Error()))
			}
		}()
		return
	}

	sess := &Session{
		ID:        callID,
		Type:      ct,
		Role:      RoleCallee,
		PeerID:    callerID,
		StartedAt: c.now(),
	}
	c.session = sess
	c.state = StateIncoming
	sctx, cancel := context.WithCancel(context.Background())
	c.sessionCtx = sctx
	c.cancel = cancel
	c.mu.Unlock()

	if offer != nil {
		c.offers.Deliver(*offer)
	}

	c.logger.Info("incoming call",
		slog.String("call_id", callID),
		slog.String("call_type", callType),
		slog.String("caller_id", callerID))
	if c.hooks.OnIncoming != nil {
		c.hooks.OnIncoming(*sess)
	}
}

func (c *Controller) HandleHangup(callID string) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.ID != callID {
		c.dropStale("hangup", callID)
		return
	}

	c.logger.Info("remote hangup", slog.String("call_id", callID))
	sess.EndedAt = c.now()
	c.teardown(sess, StateEnded)
	c.count(metrics.CallsEnded)
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded(*sess)
	}
}

func (c *Controller) dropStale(msgType, callID string) {
	c.count(metrics.SignalingDroppedStaleCall)
	c.logger.Debug("dropping signaling message for stale call",
		slog.String("type", msgType),
		slog.String("call_id", callID))
}
