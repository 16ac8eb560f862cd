package metrics

import "sync"

// Call engine event names. Names are intentionally simple; a follow-up metrics
// task can standardize and export these via OTel.
const (
	CallsInitiated = "calls_initiated"
	CallsAnswered  = "calls_answered"
	CallsRejected  = "calls_rejected"
	CallsEnded     = "calls_ended"
	CallsFailed    = "calls_failed"

	MediaPermissionDenied   = "media_permission_denied"
	TransportNotReady       = "transport_not_ready"
	OfferWaitTimeouts       = "offer_wait_timeouts"
	PeerConnectionRecreated = "peer_connection_recreated"

	SignalingDroppedRateLimited = "signaling_dropped_rate_limited"
	SignalingDroppedUnparsable  = "signaling_dropped_unparsable"
	SignalingDroppedStaleCall   = "signaling_dropped_stale_call"
	CandidatesBuffered          = "ice_candidates_buffered"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production agent is expected to plug into a real metrics backend; this
// type exists to keep engine logic testable and scrapeable without pulling a
// metrics SDK into the call path.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
