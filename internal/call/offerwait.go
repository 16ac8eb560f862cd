package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// offerWait resolves the race between offer arrival and callee readiness.
// The two are independent, unordered events: the offer may be cached before
// Await runs, or arrive while Await is blocked.
type offerWait struct {
	mu     sync.Mutex
	cached *webrtc.SessionDescription
	waiter chan webrtc.SessionDescription
}

func newOfferWait() *offerWait {
	return &offerWait{}
}

// Deliver hands an offer to a blocked Await, or caches it for the next one.
// A later offer for the same session replaces an unconsumed cached one.
func (w *offerWait) Deliver(offer webrtc.SessionDescription) {
	w.mu.Lock()
	waiter := w.waiter
	w.waiter = nil
	if waiter == nil {
		w.cached = &offer
	}
	w.mu.Unlock()

	if waiter != nil {
		waiter <- offer
	}
}

// Await returns the cached offer immediately if present, otherwise blocks
// until Deliver, the timeout, or the context ends. Only one Await may be
// outstanding at a time.
func (w *offerWait) Await(ctx context.Context, timeout time.Duration) (webrtc.SessionDescription, error) {
	w.mu.Lock()
	if w.cached != nil {
		offer := *w.cached
		w.cached = nil
		w.mu.Unlock()
		return offer, nil
	}
	waiter := make(chan webrtc.SessionDescription, 1)
	w.waiter = waiter
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case offer := <-waiter:
		return offer, nil
	case <-timer.C:
		w.abandon(waiter)
		return webrtc.SessionDescription{}, ErrOfferTimeout
	case <-ctx.Done():
		w.abandon(waiter)
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

// abandon withdraws a waiter, keeping an offer that raced with the
// withdrawal so it is not lost.
func (w *offerWait) abandon(waiter chan webrtc.SessionDescription) {
	w.mu.Lock()
	if w.waiter == waiter {
		w.waiter = nil
	}
	w.mu.Unlock()

	select {
	case offer := <-waiter:
		w.mu.Lock()
		w.cached = &offer
		w.mu.Unlock()
	default:
	}
}

// Reset drops any cached offer and pending waiter registration. Used when a
// session is torn down.
func (w *offerWait) Reset() {
	w.mu.Lock()
	w.cached = nil
	w.waiter = nil
	w.mu.Unlock()
}
