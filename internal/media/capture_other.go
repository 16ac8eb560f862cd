//go:build !linux

package media

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer has no capture drivers outside Linux. It registers the
// default codec set and always acquires zero tracks, leaving the session
// receive-only.
type DeviceAcquirer struct {
	logger *slog.Logger
}

func NewDeviceAcquirer(logger *slog.Logger) (*DeviceAcquirer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAcquirer{logger: logger.With(slog.String("component", "media"))}, nil
}

func (a *DeviceAcquirer) PopulateMediaEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, _ CallType) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.logger.Info("no capture drivers on this platform, proceeding without local media")
	return &LocalMedia{}, nil
}
