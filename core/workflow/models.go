package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// StepKind distinguishes side-effecting steps from suspensions.
type StepKind string

const (
	StepKindRun        StepKind = "RUN"
	StepKindSleepUntil StepKind = "SLEEP_UNTIL"
)

// ExecutionState is the lifecycle state of one execution.
type ExecutionState string

const (
	StateRunning   ExecutionState = "RUNNING"
	StateSleeping  ExecutionState = "SLEEPING"
	StateCompleted ExecutionState = "COMPLETED"
	StateFailed    ExecutionState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepStatus is the persisted outcome of a single step.
type StepStatus string

const (
	StepNotStarted StepStatus = "NOT_STARTED"
	StepComplete   StepStatus = "COMPLETE"
	StepSkipped    StepStatus = "SKIPPED"
	StepFailed     StepStatus = "FAILED"
)

// Done reports whether the step must never run again.
func (s StepStatus) Done() bool {
	return s == StepComplete || s == StepSkipped
}

// Event is a named occurrence with a payload. Immutable once published.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Trigger selects what starts a definition: an event name or a cron expression.
type Trigger struct {
	Event    string `json:"event,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StepFunc is the body of a RUN step. The returned value is stored as the
// step result and must be JSON-serialisable.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// WakeFunc computes the absolute wake time of a SLEEP_UNTIL step.
type WakeFunc func(sc *StepContext) (time.Time, error)

// StepSpec describes one step of a definition.
type StepSpec struct {
	Name      string
	Kind      StepKind
	Body      StepFunc
	Until     WakeFunc
	Condition string
	Retry     *RetryConfig
}

// Definition is a static, named workflow registered at process start.
type Definition struct {
	ID      string
	Trigger Trigger
	Steps   []StepSpec
	Retry   *RetryConfig
}

// StepState is the persisted per-step record of an execution.
type StepState struct {
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	WakeAt     *time.Time      `json:"wake_at,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Execution is one run of a definition for one trigger occurrence.
type Execution struct {
	ID           string                `json:"id"`
	DefinitionID string                `json:"definition_id"`
	EventID      string                `json:"event_id,omitempty"`
	EventName    string                `json:"event_name,omitempty"`
	Input        json.RawMessage       `json:"input,omitempty"`
	TriggeredAt  time.Time             `json:"triggered_at"`
	Steps        map[string]*StepState `json:"steps"`
	CurrentStep  int                   `json:"current_step"`
	State        ExecutionState        `json:"state"`
	WakeAt       *time.Time            `json:"wake_at,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// Ready is one unit of work the scheduler hands to the engine: either an
// existing execution to resume or a definition to start.
type Ready struct {
	ExecutionID string
	Definition  *Definition
	Event       Event
	At          time.Time
}

// TimelineEvent is an append-only record of an execution transition.
type TimelineEvent struct {
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	Step    string         `json:"step,omitempty"`
	State   ExecutionState `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
}

func newStepState() *StepState {
	return &StepState{Status: StepNotStarted}
}
