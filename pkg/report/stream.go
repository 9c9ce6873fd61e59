package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// EventType names an NDJSON stream record.
type EventType string

const (
	// EventRunStarted opens the stream.
	EventRunStarted EventType = "run_started"
	// EventOutcome carries one task outcome.
	EventOutcome EventType = "outcome"
	// EventHostAborted reports a host stopped by a fatal failure.
	EventHostAborted EventType = "host_aborted"
	// EventRunFinished closes the stream and carries the summary.
	EventRunFinished EventType = "run_finished"
)

// Validate checks if the event type is known.
func (t EventType) Validate() error {
	switch t {
	case EventRunStarted, EventOutcome, EventHostAborted, EventRunFinished:
		return nil
	default:
		return fmt.Errorf("unknown event type: %s", t)
	}
}

// Event is one line of the stream.
type Event struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunStartedData is the payload of EventRunStarted.
type RunStartedData struct {
	Plan      string `json:"plan"`
	CheckMode bool   `json:"check_mode"`
}

// OutcomeData is the payload of EventOutcome.
type OutcomeData struct {
	Seq     int            `json:"seq"`
	Outcome engine.Outcome `json:"outcome"`
}

// HostAbortedData is the payload of EventHostAborted.
type HostAbortedData struct {
	Host  string           `json:"host"`
	Kind  engine.ErrorKind `json:"kind,omitempty"`
	Error string           `json:"error,omitempty"`
}

// RunFinishedData is the payload of EventRunFinished.
type RunFinishedData struct {
	Status   engine.RunStatus `json:"status"`
	Summary  engine.Summary   `json:"summary"`
	ExitCode int              `json:"exit_code"`
}

var _ engine.Observer = (*Stream)(nil)

// Stream writes run progress as newline-delimited JSON. It is safe for
// concurrent use by host workers.
type Stream struct {
	mu     sync.Mutex
	w      *bufio.Writer
	logger zerolog.Logger
}

// NewStream creates a stream writing to w.
func NewStream(w io.Writer, logger zerolog.Logger) *Stream {
	return &Stream{
		w:      bufio.NewWriter(w),
		logger: logger.With().Str("component", "report-stream").Logger(),
	}
}

// Emit writes one event and flushes it.
func (s *Stream) Emit(eventType EventType, runID string, data any) error {
	if err := eventType.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	event := Event{Type: eventType, RunID: runID, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		event.Data = raw
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (s *Stream) emit(eventType EventType, runID string, data any) {
	if err := s.Emit(eventType, runID, data); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to write stream event")
	}
}

// RunStarted implements engine.Observer.
func (s *Stream) RunStarted(_ context.Context, r *engine.RunReport) {
	s.emit(EventRunStarted, r.RunID, RunStartedData{Plan: r.PlanName, CheckMode: r.CheckMode})
}

// OutcomeRecorded implements engine.Observer.
func (s *Stream) OutcomeRecorded(_ context.Context, r *engine.RunReport, seq int, o engine.Outcome) {
	s.emit(EventOutcome, r.RunID, OutcomeData{Seq: seq, Outcome: o})
}

// HostAborted implements engine.Observer.
func (s *Stream) HostAborted(_ context.Context, r *engine.RunReport, host string, err error) {
	data := HostAbortedData{Host: host, Kind: engine.KindOf(err)}
	if err != nil {
		data.Error = err.Error()
	}
	s.emit(EventHostAborted, r.RunID, data)
}

// RunFinished implements engine.Observer.
func (s *Stream) RunFinished(_ context.Context, r *engine.RunReport) {
	s.emit(EventRunFinished, r.RunID, RunFinishedData{
		Status:   r.Status(),
		Summary:  r.Summary(),
		ExitCode: r.ExitCode(),
	})
}

// Decoder reads a stream back.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a stream decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next event. It returns io.EOF at the end of the stream.
func (d *Decoder) Decode() (*Event, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	var event Event
	if err := json.Unmarshal(d.r.Bytes(), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := event.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &event, nil
}

// DecodeData unmarshals an event payload into target.
func DecodeData(event *Event, target any) error {
	if err := json.Unmarshal(event.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", event.Type, err)
	}
	return nil
}
