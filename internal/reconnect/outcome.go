package reconnect

// Outcome is the result of a single open-and-verify attempt. Retry loops
// switch on it instead of treating "not ready yet" as an exceptional error.
type Outcome int

const (
	// Ready means the transport is open and the device answered
	Ready Outcome = iota
	// Retrying means the attempt failed in a way the policy may retry
	Retrying
	// Failed means the attempt failed in a way no retry can fix
	// (cancellation, disposal, invalid configuration)
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
