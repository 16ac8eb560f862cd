//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitRate = 1_500_000

// DeviceAcquirer captures camera and microphone tracks through
// pion/mediadevices, encoding video as VP8 and audio as Opus.
type DeviceAcquirer struct {
	logger   *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceAcquirer(logger *slog.Logger) (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DeviceAcquirer{
		logger: logger.With(slog.String("component", "media")),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the acquirer's codecs. The peer connection
// must be built from an engine populated here or the captured tracks will
// not negotiate.
func (a *DeviceAcquirer) PopulateMediaEngine(engine *webrtc.MediaEngine) error {
	a.selector.Populate(engine)
	return nil
}

// Acquire walks the capture fallback ladder for the call type. A permission
// refusal aborts with ErrPermissionDenied; if every attempt fails for other
// reasons the call proceeds without local tracks.
func (a *DeviceAcquirer) Acquire(ctx context.Context, callType CallType) (*LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		a.logger.Warn("no capture devices found")
	}
	for _, d := range devices {
		a.logger.Debug("capture device",
			slog.String("kind", fmt.Sprint(d.Kind)),
			slog.String("label", d.Label))
	}

	deniedPermission := false
	for _, attempt := range captureAttempts(callType) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := a.getUserMedia(ctx, attempt)
		if err != nil {
			if permissionDenied(err) {
				deniedPermission = true
			}
			a.logger.Warn("capture attempt failed",
				slog.String("attempt", attempt.label),
				slog.String("error", err.Error()))
			continue
		}

		tracks := stream.GetTracks()
		media := &LocalMedia{Label: attempt.label, Tracks: make([]Track, 0, len(tracks))}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					a.logger.Warn("local track ended", slog.String("error", err.Error()))
				}
			})
			media.Tracks = append(media.Tracks, track)
		}

		a.logger.Info("local media captured",
			slog.String("attempt", attempt.label),
			slog.Int("tracks", len(media.Tracks)))
		return media, nil
	}

	if deniedPermission {
		return nil, ErrPermissionDenied
	}

	a.logger.Warn("all capture attempts failed, proceeding without local media")
	return &LocalMedia{}, nil
}

// getUserMedia runs the blocking capture call in a goroutine so the caller's
// context can abandon it. An abandoned capture that later succeeds is closed
// to release the devices.
func (a *DeviceAcquirer) getUserMedia(ctx context.Context, attempt captureAttempt) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
	if attempt.video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw frame formats only. Some cameras expose an MJPEG node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Higher resolutions add VP8 encoding latency without helping a
			// 1:1 call.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if attempt.audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		resCh <- result{stream: stream, err: err}
	}()

	select {
	case res := <-resCh:
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.err == nil {
				for _, t := range res.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}
