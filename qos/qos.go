// Package qos defines the quality-of-service attributes carried on every
// sample, query, and reply: priority, congestion control, reliability, and
// locality. These are pure attributes; the session core consults only
// Locality when routing, everything else is advisory to the transport.
package qos

// Priority ranks messages for transmission scheduling. Seven levels, from
// RealTime (most urgent) to Background (least urgent).
type Priority uint8

// Priority levels in decreasing urgency.
const (
	PriorityRealTime Priority = iota + 1
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground

	// PriorityDefault is the default priority for data traffic.
	PriorityDefault = PriorityData
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityRealTime:
		return "real_time"
	case PriorityInteractiveHigh:
		return "interactive_high"
	case PriorityInteractiveLow:
		return "interactive_low"
	case PriorityDataHigh:
		return "data_high"
	case PriorityData:
		return "data"
	case PriorityDataLow:
		return "data_low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// CongestionControl selects the behavior when the transport is congested.
type CongestionControl uint8

const (
	// CongestionControlDrop drops the message under congestion. Default.
	CongestionControlDrop CongestionControl = iota
	// CongestionControlBlock blocks the publishing call until the message
	// can be transmitted.
	CongestionControlBlock
	// CongestionControlBlockFirst blocks for the first message of a batch
	// and drops the rest.
	CongestionControlBlockFirst

	// CongestionControlDefault is the default congestion control.
	CongestionControlDefault = CongestionControlDrop
)

// String returns the string representation of the congestion control mode.
func (cc CongestionControl) String() string {
	switch cc {
	case CongestionControlDrop:
		return "drop"
	case CongestionControlBlock:
		return "block"
	case CongestionControlBlockFirst:
		return "block_first"
	default:
		return "unknown"
	}
}

// Reliability expresses the delivery guarantee requested from the
// transport. It is advisory: the session core never enforces it.
type Reliability uint8

const (
	// ReliabilityBestEffort permits loss under congestion or link failure.
	// Default.
	ReliabilityBestEffort Reliability = iota
	// ReliabilityReliable requests loss-free delivery from the transport.
	ReliabilityReliable

	// ReliabilityDefault is the default reliability.
	ReliabilityDefault = ReliabilityBestEffort
)

// String returns the string representation of the reliability.
func (r Reliability) String() string {
	switch r {
	case ReliabilityBestEffort:
		return "best_effort"
	case ReliabilityReliable:
		return "reliable"
	default:
		return "unknown"
	}
}

// Locality restricts which origins an entity accepts data from, or which
// destinations an operation reaches.
type Locality uint8

const (
	// LocalityAny accepts both same-session and remote traffic. Default.
	LocalityAny Locality = iota
	// LocalitySessionLocal restricts to traffic originating in the same
	// session.
	LocalitySessionLocal
	// LocalityRemote restricts to traffic originating outside the session.
	LocalityRemote

	// LocalityDefault is the default locality.
	LocalityDefault = LocalityAny
)

// String returns the string representation of the locality.
func (l Locality) String() string {
	switch l {
	case LocalityAny:
		return "any"
	case LocalitySessionLocal:
		return "session_local"
	case LocalityRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// AllowsLocal reports whether same-session traffic passes the filter.
func (l Locality) AllowsLocal() bool {
	return l == LocalityAny || l == LocalitySessionLocal
}

// AllowsRemote reports whether remote-origin traffic passes the filter.
func (l Locality) AllowsRemote() bool {
	return l == LocalityAny || l == LocalityRemote
}

// QoS bundles the per-message quality-of-service attributes.
type QoS struct {
	Priority          Priority          `json:"priority"`
	CongestionControl CongestionControl `json:"congestion_control"`
	Reliability       Reliability       `json:"reliability"`
	// Express requests that the message not be batched with others.
	Express bool `json:"express,omitempty"`
}

// Default returns the default QoS attributes.
func Default() QoS {
	return QoS{
		Priority:          PriorityDefault,
		CongestionControl: CongestionControlDefault,
		Reliability:       ReliabilityDefault,
	}
}
