package call

import (
	"time"

	"github.com/openbook-social/calling/internal/media"
)

// State is the controller's position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateAwaitingRemote
	StateIncoming
	StateNegotiating
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateAwaitingRemote:
		return "awaiting_remote"
	case StateIncoming:
		return "incoming"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the call this controller is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Session identifies one call attempt. The id is assigned by the control
// plane; every signaling message for the attempt carries it.
type Session struct {
	ID             string         `json:"id"`
	Type           media.CallType `json:"type"`
	Role           Role           `json:"role"`
	PeerID         string         `json:"peer_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
}
