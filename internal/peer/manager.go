package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/openbook-social/calling/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("peer: connection closed")

	// ErrNoRemoteDescription is returned by CreateAnswer before
	// SetRemoteDescription has been applied.
	ErrNoRemoteDescription = errors.New("peer: remote description not set")
)

// ManagerConfig carries the peer connection's construction inputs and event
// callbacks. Callbacks fire on pion's goroutines and must not block.
type ManagerConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// Tracks are attached as senders. Kinds with no local track get a
	// recvonly transceiver so the SDP always carries audio and video m-lines.
	Tracks []webrtc.TrackLocal

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnCandidate   func(webrtc.ICECandidateInit)
	OnStateChange func(webrtc.PeerConnectionState)
}

// Manager owns one PeerConnection for the lifetime of a call attempt.
//
// Remote ICE candidates that arrive before the remote description are
// buffered and flushed by SetRemoteDescription; handing them to pion early
// would fail the add. The offer path publishes the SDP before the local
// description finishes applying, so candidate trickle can start while
// SetLocalDescription runs in the background.
type Manager struct {
	pc      *webrtc.PeerConnection
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	closed        bool
	remoteSet     bool
	pending       []webrtc.ICECandidateInit
	localDescErr  error
	localDescDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	m := &Manager{
		pc:      pc,
		logger:  logger.With(slog.String("component", "peer")),
		metrics: cfg.Metrics,
	}

	haveKind := map[webrtc.RTPCodecType]bool{}
	for _, track := range cfg.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %q: %w", track.ID(), err)
		}
		haveKind[track.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if haveKind[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		cfg.OnCandidate(c.ToJSON())
	})
	if cfg.OnRemoteTrack != nil {
		pc.OnTrack(cfg.OnRemoteTrack)
	}
	if cfg.OnStateChange != nil {
		pc.OnConnectionStateChange(cfg.OnStateChange)
	}

	return m, nil
}

// CreateOffer produces the local offer and applies it as the local
// description in the background. The returned SDP can go on the wire
// immediately; callers that need the apply result use WaitLocalDescription.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.localDescDone = done
	m.mu.Unlock()

	go func() {
		err := m.pc.SetLocalDescription(offer)
		m.mu.Lock()
		m.localDescErr = err
		m.mu.Unlock()
		close(done)
		if err != nil {
			m.logger.Error("set local description failed", slog.String("error", err.Error()))
		}
	}()

	return offer, nil
}

// WaitLocalDescription blocks until the background SetLocalDescription from
// CreateOffer finishes, returning its error.
func (m *Manager) WaitLocalDescription(ctx context.Context) error {
	m.mu.Lock()
	done := m.localDescDone
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.localDescErr
	}
}

// SetRemoteDescription applies the remote SDP and flushes any candidates
// buffered before it arrived. A buffered candidate that fails to apply is
// logged and skipped; a bad candidate must not kill the call.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, init := range pending {
		if err := m.pc.AddICECandidate(init); err != nil {
			m.logger.Warn("dropping buffered candidate", slog.String("error", err.Error()))
		}
	}
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it if the
// remote description has not been set yet.
func (m *Manager) AddRemoteCandidate(init webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.remoteSet {
		m.pending = append(m.pending, init)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.Inc(metrics.CandidatesBuffered)
		}
		return nil
	}
	m.mu.Unlock()

	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// CreateAnswer produces and applies the local answer. The remote offer must
// already be set.
func (m *Manager) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	remoteSet := m.remoteSet
	m.mu.Unlock()
	if !remoteSet {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	return m.pc.ConnectionState()
}

func (m *Manager) PeerConnection() *webrtc.PeerConnection {
	return m.pc
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.pending = nil
		m.mu.Unlock()
		m.closeErr = m.pc.Close()
	})
	return m.closeErr
}
