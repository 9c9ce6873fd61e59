package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostReport is the per-host slice of a run.
type HostReport struct {
	Host        string    `json:"host"`
	Outcomes    []Outcome `json:"outcomes"`
	Aborted     bool      `json:"aborted"`
	Unreachable bool      `json:"unreachable,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Summary counts outcomes across all hosts. Failed excludes failures
// swallowed by an ignore policy, which are counted in Ignored.
type Summary struct {
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Ignored   int `json:"ignored"`
	Hosts     int `json:"hosts"`
	Aborted   int `json:"aborted"`
}

// RunReport accumulates outcomes from concurrent host workers. All
// mutation goes through its methods.
type RunReport struct {
	RunID     string
	PlanName  string
	CheckMode bool
	StartedAt time.Time

	mu          sync.Mutex
	status      RunStatus
	completedAt time.Time
	hosts       []*HostReport
	index       map[string]*HostReport
}

// NewRunReport starts a report with a fresh run id.
func NewRunReport(planName string, checkMode bool) *RunReport {
	return &RunReport{
		RunID:     uuid.New().String(),
		PlanName:  planName,
		CheckMode: checkMode,
		StartedAt: time.Now(),
		status:    RunStatusRunning,
		index:     make(map[string]*HostReport),
	}
}

// AddHost registers host so that it appears in the report even if it
// records nothing. Hosts are reported in registration order.
func (r *RunReport) AddHost(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostLocked(host)
}

func (r *RunReport) hostLocked(host string) *HostReport {
	if hr, ok := r.index[host]; ok {
		return hr
	}
	hr := &HostReport{Host: host}
	r.hosts = append(r.hosts, hr)
	r.index[host] = hr
	return hr
}

// Append records an outcome and returns its 1-based sequence number
// within the host.
func (r *RunReport) Append(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	hr := r.hostLocked(o.Host)
	hr.Outcomes = append(hr.Outcomes, o)
	return len(hr.Outcomes)
}

// AbortHost marks host as aborted with the error that stopped it.
func (r *RunReport) AbortHost(host string, err error, unreachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hr := r.hostLocked(host)
	hr.Aborted = true
	hr.Unreachable = hr.Unreachable || unreachable
	if err != nil {
		hr.Error = err.Error()
	}
}

// Finish closes the report with status.
func (r *RunReport) Finish(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.completedAt = time.Now()
}

// Status returns the run status.
func (r *RunReport) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CompletedAt returns when the run finished, or the zero time.
func (r *RunReport) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt
}

// Hosts returns a copy of the per-host reports.
func (r *RunReport) Hosts() []HostReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostsLocked()
}

func (r *RunReport) hostsLocked() []HostReport {
	out := make([]HostReport, len(r.hosts))
	for i, hr := range r.hosts {
		out[i] = *hr
		out[i].Outcomes = append([]Outcome(nil), hr.Outcomes...)
	}
	return out
}

// Host returns a copy of one host's report.
func (r *RunReport) Host(name string) (HostReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hr, ok := r.index[name]
	if !ok {
		return HostReport{}, false
	}
	out := *hr
	out.Outcomes = append([]Outcome(nil), hr.Outcomes...)
	return out, true
}

// Summary counts the recorded outcomes.
func (r *RunReport) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *RunReport) summaryLocked() Summary {
	s := Summary{Hosts: len(r.hosts)}
	for _, hr := range r.hosts {
		if hr.Aborted {
			s.Aborted++
		}
		for _, o := range hr.Outcomes {
			switch {
			case o.Status == OutcomeChanged:
				s.Changed++
			case o.Status == OutcomeUnchanged:
				s.Unchanged++
			case o.Status == OutcomeSkipped:
				s.Skipped++
			case o.Status == OutcomeFailed && o.Ignored:
				s.Ignored++
			case o.Status == OutcomeFailed:
				s.Failed++
			}
		}
	}
	return s
}

// Success reports whether the run had no un-ignored failure and no
// aborted host.
func (r *RunReport) Success() bool {
	s := r.Summary()
	return s.Failed == 0 && s.Aborted == 0
}

// ExitCode is 0 on success and 1 otherwise.
func (r *RunReport) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

type runReportJSON struct {
	RunID       string       `json:"run_id"`
	Plan        string       `json:"plan"`
	CheckMode   bool         `json:"check_mode"`
	Status      RunStatus    `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Summary     Summary      `json:"summary"`
	Hosts       []HostReport `json:"hosts"`
}

// MarshalJSON renders a consistent snapshot of the report.
func (r *RunReport) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	doc := runReportJSON{
		RunID:     r.RunID,
		Plan:      r.PlanName,
		CheckMode: r.CheckMode,
		Status:    r.status,
		StartedAt: r.StartedAt,
		Summary:   r.summaryLocked(),
		Hosts:     r.hostsLocked(),
	}
	if !r.completedAt.IsZero() {
		completed := r.completedAt
		doc.CompletedAt = &completed
	}
	r.mu.Unlock()
	return json.Marshal(doc)
}
