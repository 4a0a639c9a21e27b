package pipeline

// Status is the lifecycle state of a stage, a group or a whole run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusUnstable Status = "unstable"
	StatusSkipped  Status = "skipped"
	StatusAborted  Status = "aborted"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusUnstable, StatusSkipped, StatusAborted:
		return true
	}
	return false
}

// Halts reports whether a stage finishing with s stops the sequence it
// belongs to.
func (s Status) Halts() bool {
	return s == StatusFailure || s == StatusAborted
}

// rank orders terminal statuses from best to worst. Skipped ranks with
// success so it never worsens an aggregate.
func (s Status) rank() int {
	switch s {
	case StatusUnstable:
		return 1
	case StatusFailure:
		return 2
	case StatusAborted:
		return 3
	}
	return 0
}

// Worst returns the worst of the given statuses. Skipped and non-terminal
// statuses are ignored; the result is StatusSuccess when nothing counts.
func Worst(statuses ...Status) Status {
	worst := StatusSuccess
	for _, s := range statuses {
		if s == StatusSkipped || !s.Terminal() {
			continue
		}
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	return worst
}
