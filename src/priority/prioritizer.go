package priority

import "fmt"

// Default size thresholds, in bytes.
const (
	DefaultSmallThreshold = 1024
	DefaultLargeThreshold = 64 * 1024
)

var priorities = map[MessageType]Priority{
	SignatureShare:      Critical,
	Vote:                Critical,
	BlockProposal:       High,
	CoordinationRequest: High,
	BlockData:           Normal,
	StateSync:           Low,
	Telemetry:           Low,
}

// PriorityOf returns the class of a message type. Unknown types are Low.
func PriorityOf(t MessageType) Priority {
	if p, ok := priorities[t]; ok {
		return p
	}
	return Low
}

// Prioritizer maps a message type and size to a priority and a strategy.
type Prioritizer struct {
	small int
	large int
}

// NewPrioritizer creates a Prioritizer. Critical messages smaller than small
// bytes are sent directly; Normal and Low messages larger than large bytes are
// erasure-coded only.
func NewPrioritizer(small, large int) (*Prioritizer, error) {
	if small <= 0 {
		return nil, fmt.Errorf("small threshold must be positive, got %d", small)
	}
	if large < small {
		return nil, fmt.Errorf("large threshold %d is below small threshold %d", large, small)
	}
	return &Prioritizer{
		small: small,
		large: large,
	}, nil
}

// NewDefaultPrioritizer uses the default thresholds.
func NewDefaultPrioritizer() *Prioritizer {
	return &Prioritizer{
		small: DefaultSmallThreshold,
		large: DefaultLargeThreshold,
	}
}

// Classify is total: every (type, size) pair maps to exactly one priority and
// strategy.
func (p *Prioritizer) Classify(t MessageType, size int) (Priority, Strategy) {
	prio := PriorityOf(t)

	switch {
	case prio == Critical && size < p.small:
		return prio, Direct
	case (prio == Normal || prio == Low) && size > p.large:
		return prio, ErasureRelay
	default:
		return prio, Hybrid
	}
}

// SmallThreshold ...
func (p *Prioritizer) SmallThreshold() int {
	return p.small
}

// LargeThreshold ...
func (p *Prioritizer) LargeThreshold() int {
	return p.large
}
