package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/stores"
)

// StoreRecorder persists run progress to the run log. Store failures
// are logged and never affect the run.
type StoreRecorder struct {
	store    stores.Store
	planPath string
	logger   zerolog.Logger
}

var _ Observer = (*StoreRecorder)(nil)

// NewStoreRecorder creates a recorder writing to store. planPath is
// stored with the run for later inspection.
func NewStoreRecorder(store stores.Store, planPath string, logger zerolog.Logger) *StoreRecorder {
	return &StoreRecorder{
		store:    store,
		planPath: planPath,
		logger:   logger.With().Str("component", "recorder").Logger(),
	}
}

// RunStarted creates the run row.
func (s *StoreRecorder) RunStarted(ctx context.Context, report *RunReport) {
	now := time.Now()
	run := &stores.Run{
		ID:        report.RunID,
		PlanName:  report.PlanName,
		PlanPath:  s.planPath,
		Status:    stores.RunStatusRunning,
		CheckMode: report.CheckMode,
		StartedAt: report.StartedAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to record run")
	}
}

// OutcomeRecorded appends the outcome to the run.
func (s *StoreRecorder) OutcomeRecorded(ctx context.Context, report *RunReport, seq int, o Outcome) {
	diff := "[]"
	if len(o.Diff) > 0 {
		if data, err := json.Marshal(o.Diff); err == nil {
			diff = string(data)
		}
	}
	row := &stores.Outcome{
		ID:         uuid.New().String(),
		RunID:      report.RunID,
		Seq:        seq,
		Host:       o.Host,
		Play:       o.Play,
		Task:       o.TaskName,
		Kind:       o.Kind,
		Status:     string(o.Status),
		Message:    o.Message,
		Diff:       diff,
		Attempts:   o.Attempts,
		Ignored:    o.Ignored,
		ErrorKind:  string(o.ErrorKind),
		DurationMS: o.Duration.Milliseconds(),
		RecordedAt: o.Timestamp,
	}
	if err := s.store.AppendOutcome(context.WithoutCancel(ctx), row); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Str("host", o.Host).Str("task", o.TaskName).Msg("Failed to record outcome")
	}
}

// HostAborted appends an error event for the host.
func (s *StoreRecorder) HostAborted(ctx context.Context, report *RunReport, host string, err error) {
	runID := report.RunID
	event := &stores.Event{
		RunID:     &runID,
		Host:      &host,
		Level:     stores.EventLevelError,
		Message:   "host aborted: " + err.Error(),
		Timestamp: time.Now(),
	}
	if kind := KindOf(err); kind != "" {
		if data, err := json.Marshal(map[string]string{"error_kind": string(kind)}); err == nil {
			details := string(data)
			event.Details = &details
		}
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Str("host", host).Msg("Failed to record event")
	}
}

// RunFinished closes the run row with its summary.
func (s *StoreRecorder) RunFinished(ctx context.Context, report *RunReport) {
	summary, err := json.Marshal(report.Summary())
	if err != nil {
		summary = []byte("{}")
	}

	var runErr *string
	status := stores.RunStatus(report.Status())
	if status != stores.RunStatusSucceeded {
		var failed []string
		for _, hr := range report.Hosts() {
			if hr.Aborted {
				failed = append(failed, hr.Host)
			}
		}
		if len(failed) > 0 {
			data, _ := json.Marshal(map[string]any{"aborted_hosts": failed})
			msg := string(data)
			runErr = &msg
		}
	}

	if err := s.store.FinishRun(context.WithoutCancel(ctx), report.RunID, status, string(summary), runErr); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to finish run")
	}
}
