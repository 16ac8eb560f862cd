// Package peer wraps the pion PeerConnection for 1:1 calls: API construction
// with the call engine's codec and ICE settings, offer/answer plumbing, and
// buffering of remote ICE candidates that arrive before the remote
// description.
package peer
