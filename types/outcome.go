package types

// OutcomeKind is how a dispatched hit finally resolved.
type OutcomeKind int

const (
	// OutcomeSent means the collector answered with a success status.
	OutcomeSent OutcomeKind = iota
	// OutcomeMalformed means the collector answered with a non-success
	// status. The hit is not retried.
	OutcomeMalformed
	// OutcomeFailed means the request never produced a response (DNS,
	// connection, TLS or timeout errors). The hit is not retried.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal notification for one hit. Exactly one of Response,
// StatusCode or Err is meaningful, depending on Kind.
type Outcome struct {
	Kind OutcomeKind
	Hit  *Hit

	// Response is the body returned for a sent hit.
	Response string
	// StatusCode is the HTTP status of a malformed hit.
	StatusCode int
	// Err is the transport error of a failed hit.
	Err error
}

// TransmitType names the endpoint flavor a transmission talks to.
type TransmitType int

const (
	TransmitTypeCollect TransmitType = iota
	TransmitTypeDebug
)

func (t TransmitType) String() string {
	switch t {
	case TransmitTypeCollect:
		return "collect"
	case TransmitTypeDebug:
		return "debug"
	default:
		return "unknown"
	}
}
