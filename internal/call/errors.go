package call

import "errors"

var (
	// ErrSessionActive is returned when Initiate or Answer runs while
	// another session is in flight.
	ErrSessionActive = errors.New("call: session already active")

	// ErrNoSession is returned by operations that need a current session.
	ErrNoSession = errors.New("call: no active session")

	// ErrSessionEnded indicates the session was torn down while an operation
	// was suspended on media, transport or the offer wait.
	ErrSessionEnded = errors.New("call: session ended")

	// ErrOfferTimeout indicates no offer arrived within the bounded wait.
	ErrOfferTimeout = errors.New("call: timed out waiting for offer")

	// ErrConnectionClosed indicates the peer connection closed during setup
	// after the recovery retry was already spent.
	ErrConnectionClosed = errors.New("call: peer connection closed during setup")
)
