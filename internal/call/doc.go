// Package call is the session-establishment state machine. A Controller
// owns at most one call at a time and sequences the control plane, local
// media capture, peer negotiation and signaling for it.
//
// The two races the package exists to resolve: an offer may arrive before
// or after the callee picks up (offerWait), and remote ICE candidates may
// arrive before anything exists to apply them to (candidate buffering in
// the controller and the peer manager).
package call
