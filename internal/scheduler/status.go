package scheduler

// Status is the terminal disposition of one transform in a run.
type Status int32

const (
	// StatusPending means the transform has not reached a terminal state.
	StatusPending Status = iota
	// StatusExecuted means the transform's procedures ran to completion.
	StatusExecuted
	// StatusFetched means every output was materialized from a cache.
	StatusFetched
	// StatusSkipped means the transform was not needed: every dependent
	// was fetched or skipped and the transform was not itself a target.
	StatusSkipped
	// StatusFailed means execution was attempted and failed.
	StatusFailed
	// StatusAborted means the transform never ran because an upstream
	// dependency failed or the run was cancelled.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusFetched:
		return "fetched"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "not-run"
	default:
		return "unknown"
	}
}

// terminal reports whether the status needs no execution phase work.
func (s Status) terminal() bool {
	return s == StatusFetched || s == StatusSkipped
}
