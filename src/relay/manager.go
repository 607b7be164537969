package relay

import (
	"fmt"
	"math"
	"sort"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/performance"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/stake"
	"github.com/sirupsen/logrus"
)

// Config controls committee size, weights and zone diversification.
type Config struct {
	DataShards   int
	ParityShards int
	DirectFanout int
	StakeWeight  float64
	ScoreWeight  float64
	MaxZoneShare float64
	ZoneAttempts int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		DataShards:   10,
		ParityShards: 5,
		DirectFanout: 4,
		StakeWeight:  0.7,
		ScoreWeight:  0.3,
		MaxZoneShare: 0.34,
		ZoneAttempts: 8,
	}
}

// CommitteeSize is the number of shard bearers.
func (c Config) CommitteeSize() int {
	return c.DataShards + c.ParityShards
}

// ZoneCap is the largest number of committee members drawn from one zone
// before the constraint is relaxed.
func (c Config) ZoneCap() int {
	zc := int(math.Ceil(float64(c.CommitteeSize()) * c.MaxZoneShare))
	if zc < 1 {
		return 1
	}
	return zc
}

// StakeView tells whether a stake snapshot may still be used for selection.
// stake.Tracker implements it.
type StakeView interface {
	IsStale(d *stake.Distribution, now time.Time) bool
}

// Manager computes relay assignments.
type Manager struct {
	conf        Config
	prioritizer *priority.Prioritizer
	stakes      StakeView
	now         func() time.Time
	logger      *logrus.Entry
}

// NewManager creates a Manager. stakes may be nil, in which case a snapshot is
// only stale once its validity period has ended.
func NewManager(conf Config,
	prioritizer *priority.Prioritizer,
	stakes StakeView,
	logger *logrus.Entry) *Manager {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Manager{
		conf:        conf,
		prioritizer: prioritizer,
		stakes:      stakes,
		now:         time.Now,
		logger:      logger.WithField("component", "relay"),
	}
}

// SetNow replaces the time source used for staleness checks.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Config ...
func (m *Manager) Config() Config {
	return m.conf
}

// SelectRelays classifies the message and selects its relays.
func (m *Manager) SelectRelays(id [32]byte,
	messageType priority.MessageType,
	size int,
	stakes *stake.Distribution,
	perf *performance.Snapshot) (*Assignment, error) {

	_, strategy := m.prioritizer.Classify(messageType, size)
	return m.Select(id, strategy, stakes, perf)
}

// Select computes the assignment of a message for a given strategy.
func (m *Manager) Select(id [32]byte,
	strategy priority.Strategy,
	stakes *stake.Distribution,
	perf *performance.Snapshot) (*Assignment, error) {

	if stakes == nil {
		return nil, cm.NewRouteErr("relay", cm.StaleStakeSnapshot, "no snapshot")
	}
	if m.isStale(stakes) {
		return nil, cm.NewRouteErr("relay", cm.StaleStakeSnapshot,
			fmt.Sprintf("epoch %d", stakes.Epoch()))
	}
	if perf == nil {
		perf = performance.NewSnapshot(0, nil)
	}

	active := stakes.Active()

	a := &Assignment{
		MessageID:    id,
		Epoch:        stakes.Epoch(),
		PerfVersion:  perf.Version(),
		Strategy:     strategy,
		DataShards:   m.conf.DataShards,
		ParityShards: m.conf.ParityShards,
	}

	switch strategy {
	case priority.Direct:
		if len(active) == 0 {
			return nil, cm.NewRouteErr("relay", cm.InsufficientValidators, "no active validator")
		}
		a.DataShards, a.ParityShards = 0, 0
		a.Relays = make([]Relay, len(active))
		for i, e := range active {
			a.Relays[i] = Relay{ID: e.ID, Role: RoleDirect, ShardIndex: -1}
		}
		return a, nil

	case priority.ErasureRelay, priority.Hybrid:
		k := m.conf.CommitteeSize()
		if len(active) < k {
			return nil, cm.NewRouteErr("relay", cm.InsufficientValidators,
				fmt.Sprintf("%d active, %d required", len(active), k))
		}

		candidates := m.weigh(active, stakes, perf)
		s := NewStream(id[:])

		committee, rest := draw(candidates, k, m.conf.ZoneCap(), m.conf.ZoneAttempts, s)
		for i, c := range committee {
			a.Relays = append(a.Relays, Relay{ID: c.id, Role: RoleShardBearer, ShardIndex: i})
		}

		if strategy == priority.Hybrid {
			var directs []candidate
			directs, rest = topN(rest, m.conf.DirectFanout)
			for _, c := range directs {
				a.Relays = append(a.Relays, Relay{ID: c.id, Role: RoleDirect, ShardIndex: -1})
			}
		}

		// the standby order is the continuation of the same draw, without
		// the zone constraint
		standby, _ := draw(rest, len(rest), len(rest), 0, s)
		a.Standby = make([]string, len(standby))
		for i, c := range standby {
			a.Standby[i] = c.id
		}

		m.logger.WithFields(logrus.Fields{
			"strategy": strategy,
			"epoch":    a.Epoch,
			"relays":   len(a.Relays),
			"standby":  len(a.Standby),
		}).Debug("Selected relays")

		return a, nil

	default:
		return nil, fmt.Errorf("unknown strategy %d", strategy)
	}
}

func (m *Manager) isStale(d *stake.Distribution) bool {
	now := m.now()
	if m.stakes != nil {
		return m.stakes.IsStale(d, now)
	}
	return d.Expired(now)
}

// Weight returns the selection weight of a validator.
func (m *Manager) Weight(id string, stakes *stake.Distribution, perf *performance.Snapshot) float64 {
	return m.conf.StakeWeight*stakes.Fraction(id) + m.conf.ScoreWeight*perf.Score(id)
}

type candidate struct {
	id     string
	zone   string
	weight float64
}

func (m *Manager) weigh(active []stake.Entry, stakes *stake.Distribution, perf *performance.Snapshot) []candidate {
	res := make([]candidate, len(active))
	for i, e := range active {
		res[i] = candidate{
			id:     e.ID,
			zone:   e.Zone,
			weight: m.Weight(e.ID, stakes, perf),
		}
	}
	return res
}

// draw performs weighted sampling without replacement of k candidates. A draw
// that would exceed zoneCap members of one zone is repeated up to attempts
// times, after which the last draw is kept. It returns the chosen candidates in
// draw order and the remaining ones in their original order.
func draw(candidates []candidate, k, zoneCap, attempts int, s *Stream) ([]candidate, []candidate) {
	remaining := make([]candidate, len(candidates))
	copy(remaining, candidates)

	chosen := make([]candidate, 0, k)
	zones := make(map[string]int)

	for len(chosen) < k && len(remaining) > 0 {
		var idx int
		for attempt := 0; ; attempt++ {
			idx = pick(remaining, s.Float64())
			if zones[remaining[idx].zone] < zoneCap || attempt >= attempts {
				break
			}
		}

		c := remaining[idx]
		chosen = append(chosen, c)
		zones[c.zone]++
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	return chosen, remaining
}

// pick returns the index of the candidate whose cumulative weight interval
// contains u*total. Candidates without weight are picked uniformly when every
// weight is zero.
func pick(candidates []candidate, u float64) int {
	total := 0.0
	for _, c := range candidates {
		total += c.weight
	}

	if total <= 0 {
		idx := int(u * float64(len(candidates)))
		if idx >= len(candidates) {
			idx = len(candidates) - 1
		}
		return idx
	}

	target := u * total
	acc := 0.0
	for i, c := range candidates {
		acc += c.weight
		if target < acc {
			return i
		}
	}

	return len(candidates) - 1
}

// topN returns the n candidates of highest weight, ties broken by id, and the
// others in their original order.
func topN(candidates []candidate, n int) ([]candidate, []candidate) {
	if n > len(candidates) {
		n = len(candidates)
	}
	if n <= 0 {
		return nil, candidates
	}

	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].weight != sorted[j].weight {
			return sorted[i].weight > sorted[j].weight
		}
		return sorted[i].id < sorted[j].id
	})

	top := sorted[:n]
	selected := make(map[string]bool, n)
	for _, c := range top {
		selected[c.id] = true
	}

	rest := make([]candidate, 0, len(candidates)-n)
	for _, c := range candidates {
		if !selected[c.id] {
			rest = append(rest, c)
		}
	}

	return top, rest
}
