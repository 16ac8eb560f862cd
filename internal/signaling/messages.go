package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies a signaling message on the wire.
type MessageType string

const (
	MessageTypeOffer     MessageType = "call.offer"
	MessageTypeAnswer    MessageType = "call.answer"
	MessageTypeCandidate MessageType = "call.ice-candidate"
	MessageTypeRing      MessageType = "call.ring"
	MessageTypeHangup    MessageType = "call.hangup"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the tagged union carried over the signaling channel. Every
// message names the call it belongs to; messages for other calls are
// discarded by the bridge's handler.
type Message struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`

	// Ring metadata, set on call.ring (and call.offer from some senders
	// that fold the two together).
	CallType string `json:"call_type,omitempty"`
	CallerID string `json:"caller_id,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseMessage decodes and validates a single signaling message. Unknown
// fields and trailing data are rejected outright so that a malformed or
// truncated frame never reaches the call state machine.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Encode renders the message for the wire after the same validation parsing
// applies, so a programming error surfaces at the sender rather than as a
// drop at the receiver.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) validate() error {
	if m.CallID == "" {
		return fmt.Errorf("%s message missing call_id", m.Type)
	}
	switch m.Type {
	case MessageTypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("offer message has offer.type=%q", m.Offer.Type)
		}
		if m.CallType == "" {
			return fmt.Errorf("offer message missing call_type")
		}
		if m.Answer != nil || m.Candidate != nil || m.CallerID != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has answer.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil || m.CallType != "" || m.CallerID != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil || m.CallType != "" || m.CallerID != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case MessageTypeRing:
		if m.CallType == "" {
			return fmt.Errorf("ring message missing call_type")
		}
		if m.Offer != nil && m.Offer.Type != "offer" {
			return fmt.Errorf("ring message has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("ring message has unexpected fields")
		}
	case MessageTypeHangup:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.CallType != "" || m.CallerID != "" {
			return fmt.Errorf("hangup message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
