// Package signaling carries the out-of-band call negotiation exchange:
// offers, answers and ICE candidates, plus ring/hangup notifications.
//
// The package models the protocol surface and the bridge between controller
// intents and the transport; it does not own the transport's connection
// lifecycle.
package signaling
