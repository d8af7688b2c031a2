package webhooks

// ReserveResult is the outcome of claiming an idempotency key on the
// receiving side
type ReserveResult int

const (
	// Reserved means the caller holds the key and must Commit or Release it
	Reserved ReserveResult = iota
	// InProgress means another delivery holds a live reservation on the key
	InProgress
	// Processed means the key was committed and the event must not be applied again
	Processed
)

func (r ReserveResult) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case InProgress:
		return "in_progress"
	case Processed:
		return "processed"
	default:
		return "unknown"
	}
}
