package priority

// MessageType tags the consensus messages handled by the router.
type MessageType uint8

const (
	// SignatureShare is a threshold-signature share.
	SignatureShare MessageType = iota + 1
	// Vote is a consensus vote.
	Vote
	// BlockProposal carries a proposed block header and body.
	BlockProposal
	// CoordinationRequest asks other validators to take part in a protocol
	// step.
	CoordinationRequest
	// BlockData carries block contents requested after the fact.
	BlockData
	// StateSync carries state snapshots for catching-up nodes.
	StateSync
	// Telemetry carries monitoring data.
	Telemetry
)

var messageTypeNames = map[MessageType]string{
	SignatureShare:      "SignatureShare",
	Vote:                "Vote",
	BlockProposal:       "BlockProposal",
	CoordinationRequest: "CoordinationRequest",
	BlockData:           "BlockData",
	StateSync:           "StateSync",
	Telemetry:           "Telemetry",
}

// String ...
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// MessageTypes lists every known message type.
func MessageTypes() []MessageType {
	return []MessageType{
		SignatureShare,
		Vote,
		BlockProposal,
		CoordinationRequest,
		BlockData,
		StateSync,
		Telemetry,
	}
}

// Priority is the urgency class of a message. Lower values are more urgent.
type Priority uint8

const (
	// Critical messages gate consensus progress.
	Critical Priority = iota
	// High messages are needed promptly.
	High
	// Normal ...
	Normal
	// Low messages tolerate delay.
	Low
)

// String ...
func (p Priority) String() string {
	switch p {
	case Critical:
		return "Critical"
	case High:
		return "High"
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	default:
		return "Unknown"
	}
}

// Strategy is the way a message is disseminated.
type Strategy uint8

const (
	// Direct sends the full payload to every active validator.
	Direct Strategy = iota
	// Hybrid erasure-codes the payload over a relay committee and also sends
	// it in full to a few high-weight peers.
	Hybrid
	// ErasureRelay only erasure-codes the payload over a relay committee.
	ErasureRelay
)

// String ...
func (s Strategy) String() string {
	switch s {
	case Direct:
		return "Direct"
	case Hybrid:
		return "Hybrid"
	case ErasureRelay:
		return "ErasureRelay"
	default:
		return "Unknown"
	}
}

// Cost orders strategies by the bandwidth they save: a larger payload never
// maps to a strategy of lower cost than a smaller payload of the same class.
func (s Strategy) Cost() int {
	return int(s)
}

// Erasure reports whether the strategy relies on erasure-coded shards.
func (s Strategy) Erasure() bool {
	return s == Hybrid || s == ErasureRelay
}
