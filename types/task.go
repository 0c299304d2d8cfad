package types

// TaskStatus represents the lifecycle state of a SubTask.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is currently executing.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusWaitingForReview indicates the task is suspended until an
	// external reviewer resolves it.
	TaskStatusWaitingForReview TaskStatus = "waiting_for_review"
)

// IsTerminal returns true if the status is a terminal state.
// waiting_for_review is not terminal: a review can revive the task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// SubTask is one unit of delegated work within a plan.
//
// IDs are positive integers, unique within a plan. Dependencies reference
// other task ids in the same plan. RetryHistory is append-only and records
// one reflection note per failed attempt that was retried.
type SubTask struct {
	ID           int        `json:"id"`
	Description  string     `json:"description"`
	Recipient    string     `json:"recipient,omitempty"`
	Dependencies []int      `json:"dependencies,omitempty"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryHistory []string   `json:"retry_history,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *SubTask) Clone() *SubTask {
	c := *t
	c.Dependencies = append([]int(nil), t.Dependencies...)
	c.RetryHistory = append([]string(nil), t.RetryHistory...)
	return &c
}

// DependsOn reports whether the task lists id as a dependency.
func (t *SubTask) DependsOn(id int) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
