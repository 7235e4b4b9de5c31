package task

import "fmt"

// Status is the lifecycle state of a task. Chains reuse the same codes for
// their own aggregate status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSkipped  Status = "skipped"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

var terminalStatuses = map[Status]bool{
	StatusSkipped:  true,
	StatusComplete: true,
	StatusError:    true,
}

// Task lifecycle: pending → (skipped | running) → (complete | error).
// running → running covers retry attempts.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
		StatusError:   true, // condition evaluation failure before any attempt
	},
	StatusRunning: {
		StatusRunning:  true, // retry attempt
		StatusComplete: true,
		StatusError:    true,
	},
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidateTransition rejects transitions the lifecycle does not allow.
func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
