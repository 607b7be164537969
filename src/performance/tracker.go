package performance

import (
	"sync"
	"sync/atomic"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
)

// NeutralScore is the reliability score of a peer with no recorded outcome.
const NeutralScore = 0.5

// latencyWindow is the number of recent latencies kept per peer for
// MedianLatency.
const latencyWindow = 32

// Snapshot is an immutable, versioned view of the reliability scores. The
// version increases with every recorded outcome, so two snapshots with the same
// version hold the same scores.
type Snapshot struct {
	version uint64
	scores  map[string]float64
}

// NewSnapshot creates a snapshot from explicit scores. Scores are clamped to
// [0, 1].
func NewSnapshot(version uint64, scores map[string]float64) *Snapshot {
	s := &Snapshot{
		version: version,
		scores:  make(map[string]float64, len(scores)),
	}
	for id, score := range scores {
		s.scores[id] = clamp(score)
	}
	return s
}

// Version ...
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Score returns the reliability of a peer, or NeutralScore if it was never
// seen.
func (s *Snapshot) Score(peer string) float64 {
	if score, ok := s.scores[peer]; ok {
		return score
	}
	return NeutralScore
}

// Len returns the number of peers with a recorded score.
func (s *Snapshot) Len() int {
	return len(s.scores)
}

// Config holds the scoring parameters.
type Config struct {
	// Decay is the weight of the latest outcome in the moving average.
	Decay float64
	// LatencyPenalty is the score lost by a success at or above LatencyCeiling.
	LatencyPenalty float64
	LatencyCeiling time.Duration
}

// Tracker maintains a reliability score per peer as an exponential moving
// average of delivery outcomes. Each outcome publishes a new Snapshot.
type Tracker struct {
	conf Config

	current atomic.Pointer[Snapshot]

	lock      sync.Mutex
	latencies map[string][]time.Duration
}

// NewTracker ...
func NewTracker(conf Config) *Tracker {
	t := &Tracker{
		conf:      conf,
		latencies: make(map[string][]time.Duration),
	}
	t.current.Store(NewSnapshot(0, nil))
	return t
}

// RecordOutcome folds one delivery outcome into the peer's score. A failure
// counts as 0; a success counts as 1 minus a penalty proportional to its
// latency.
func (t *Tracker) RecordOutcome(peer string, success bool, latency time.Duration) {
	sample := 0.0
	if success {
		sample = 1 - t.conf.LatencyPenalty*latencyRatio(latency, t.conf.LatencyCeiling)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	cur := t.current.Load()
	next := &Snapshot{
		version: cur.version + 1,
		scores:  make(map[string]float64, len(cur.scores)+1),
	}
	for id, score := range cur.scores {
		next.scores[id] = score
	}
	next.scores[peer] = clamp((1-t.conf.Decay)*cur.Score(peer) + t.conf.Decay*sample)

	if success {
		l := append(t.latencies[peer], latency)
		if len(l) > latencyWindow {
			l = l[len(l)-latencyWindow:]
		}
		t.latencies[peer] = l
	}

	t.current.Store(next)
}

// Score returns the current score of a peer.
func (t *Tracker) Score(peer string) float64 {
	return t.current.Load().Score(peer)
}

// Snapshot returns the current immutable view of all scores.
func (t *Tracker) Snapshot() *Snapshot {
	return t.current.Load()
}

// MedianLatency returns the median latency of the recent successful deliveries
// to a peer.
func (t *Tracker) MedianLatency(peer string) time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return cm.MedianDuration(t.latencies[peer])
}

func latencyRatio(latency, ceiling time.Duration) float64 {
	if ceiling <= 0 || latency <= 0 {
		return 0
	}
	if latency >= ceiling {
		return 1
	}
	return float64(latency) / float64(ceiling)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
