// Package media acquires local capture tracks for a call.
//
// Capture goes through pion/mediadevices, which only has drivers wired up on
// Linux (V4L2 for cameras, malgo for microphones). On other platforms the
// acquirer degrades to no local tracks so the engine can still run
// receive-only sessions.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

// CallType selects which kinds of local tracks a call wants.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallTypeVoice:
		return CallTypeVoice, nil
	case CallTypeVideo:
		return CallTypeVideo, nil
	default:
		return "", fmt.Errorf("unsupported call type %q", s)
	}
}

var (
	// ErrPermissionDenied indicates the platform refused access to a capture
	// device.
	ErrPermissionDenied = errors.New("media: device permission denied")

	// ErrNoDevices indicates no capture attempt produced a usable track.
	ErrNoDevices = errors.New("media: no usable capture devices")
)

// Track is a local capture track that can be attached to a peer connection
// and released when the call ends.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// LocalMedia holds the tracks captured for one call. Close releases the
// underlying devices and is safe to call on a zero value.
type LocalMedia struct {
	Tracks []Track

	// Label names the capture combination that succeeded, for logs.
	Label string
}

func (m *LocalMedia) Close() error {
	if m == nil {
		return nil
	}
	var firstErr error
	for _, t := range m.Tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.Tracks = nil
	return firstErr
}

// Acquirer captures local media for a call. Acquire returns ErrPermissionDenied
// when the platform refuses device access and ErrNoDevices when nothing could
// be captured; an empty LocalMedia with a nil error means the acquirer chose
// to proceed without local tracks.
type Acquirer interface {
	Acquire(ctx context.Context, callType CallType) (*LocalMedia, error)
}

// permissionDenied reports whether a capture error is an access refusal
// rather than a missing or busy device. Driver errors surface as wrapped OS
// errors on some platforms and as plain strings on others.
func permissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted")
}

// captureAttempt is one rung of the capture fallback ladder.
type captureAttempt struct {
	video bool
	audio bool
	label string
}

// captureAttempts returns the fallback ladder for a call type. Capture fails
// as a unit if any requested track cannot be opened, so a video call tries
// video+audio first and then each kind alone rather than giving up when one
// device is missing or busy.
func captureAttempts(callType CallType) []captureAttempt {
	if callType == CallTypeVideo {
		return []captureAttempt{
			{video: true, audio: true, label: "video+audio"},
			{video: true, audio: false, label: "video-only"},
			{video: false, audio: true, label: "audio-only"},
		}
	}
	return []captureAttempt{
		{video: false, audio: true, label: "audio-only"},
	}
}
