package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a plan run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true for statuses that close a run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one execution of a plan
type Run struct {
	ID          string     `json:"id"`
	PlanName    string     `json:"plan_name"`
	PlanPath    string     `json:"plan_path"`
	Status      RunStatus  `json:"status"`
	CheckMode   bool       `json:"check_mode"`
	Summary     string     `json:"summary"` // JSON blob
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Outcome is the persisted result of one task on one host. Outcomes are
// append-only.
type Outcome struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Seq        int       `json:"seq"` // order within the host
	Host       string    `json:"host"`
	Play       string    `json:"play"`
	Task       string    `json:"task"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Diff       string    `json:"diff"` // JSON array
	Attempts   int       `json:"attempts"`
	Ignored    bool      `json:"ignored"`
	ErrorKind  string    `json:"error_kind"`
	DurationMS int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Host      *string    `json:"host,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Fact represents a gathered host fact
type Fact struct {
	ID        string     `json:"id"`
	TargetID  string     `json:"target_id"` // inventory host name
	Namespace string     `json:"namespace"` // fact category, e.g. "os", "packages"
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON blob
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store defines the interface for the run log
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, summary string, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Outcome operations
	AppendOutcome(ctx context.Context, outcome *Outcome) error
	ListOutcomes(ctx context.Context, runID string, host *string) ([]*Outcome, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
