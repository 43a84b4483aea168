package domain

import "time"

// ExecutionStatus is the lifecycle state of a plan execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecPaused    ExecutionStatus = "paused"
	ExecCompleted ExecutionStatus = "completed"
	ExecStopped   ExecutionStatus = "stopped"
	ExecFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecStopped, ExecFailed:
		return true
	}
	return false
}

// ExecutionState is the externally visible snapshot of one execution.
// Snapshots are values; the owning loop is the single writer.
type ExecutionState struct {
	ID               string          `json:"id"`
	PlanID           string          `json:"plan_id"`
	FarmID           string          `json:"farm_id"`
	Status           ExecutionStatus `json:"status"`
	ScenarioName     string          `json:"scenario_name,omitempty"`
	CurrentBatch     int             `json:"current_batch"`
	CompletedBatches []int           `json:"completed_batches"`
	RegenCount       int             `json:"regen_count"`
	LastRefreshAt    time.Time       `json:"last_refresh_at,omitempty"`
	LastRefreshError string          `json:"last_refresh_error,omitempty"`
	StopReason       string          `json:"stop_reason,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ExecutionEvent is one audit record from an execution's history.
type ExecutionEvent struct {
	ExecutionID string          `json:"execution_id"`
	SeqNo       int64           `json:"seq_no"`
	Status      ExecutionStatus `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	At          time.Time       `json:"at"`
}

// validExecTransitions mirrors the execution lifecycle; anything not
// listed is rejected with ErrInvalidExecState.
var validExecTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecPending: {ExecRunning, ExecStopped, ExecFailed},
	ExecRunning: {ExecPaused, ExecCompleted, ExecStopped, ExecFailed},
	ExecPaused:  {ExecRunning, ExecStopped, ExecFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range validExecTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
