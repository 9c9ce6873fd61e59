package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics_Observer(t *testing.T) {
	m := NewMetrics(DefaultConfig().Metrics)
	ctx := context.Background()
	report := engine.NewRunReport("site", false)

	m.RunStarted(ctx, report)
	m.OutcomeRecorded(ctx, report, 1, engine.Outcome{Kind: "file", Status: engine.OutcomeChanged, Attempts: 1, Duration: 20 * time.Millisecond})
	m.OutcomeRecorded(ctx, report, 2, engine.Outcome{Kind: "file", Status: engine.OutcomeUnchanged, Attempts: 1})
	m.OutcomeRecorded(ctx, report, 3, engine.Outcome{Kind: "wait", Status: engine.OutcomeChanged, Attempts: 4})
	m.OutcomeRecorded(ctx, report, 4, engine.Outcome{Kind: "shell", Status: engine.OutcomeFailed, Ignored: true, Attempts: 1})
	m.HostAborted(ctx, report, "db1", engine.NewHostUnreachableError("db1", errors.New("connection refused")))
	m.HostAborted(ctx, report, "web2", engine.NewActionFailedError("exit 2", nil))
	report.Finish(engine.RunStatusFailed)
	m.RunFinished(ctx, report)

	out := scrape(t, m.Handler())
	for _, want := range []string{
		`froyo_runs_total{status="failed"} 1`,
		`froyo_active_runs 0`,
		`froyo_tasks_total{kind="file",status="changed"} 1`,
		`froyo_tasks_total{kind="file",status="unchanged"} 1`,
		`froyo_tasks_total{kind="shell",status="ignored"} 1`,
		`froyo_task_duration_seconds_count{kind="file"} 2`,
		`froyo_retry_attempts_total{kind="wait"} 3`,
		`froyo_hosts_unreachable_total 1`,
		`froyo_hosts_aborted_total 2`,
		`froyo_run_duration_seconds_count{status="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	ctx := context.Background()
	report := engine.NewRunReport("site", false)

	m.RunStarted(ctx, report)
	m.OutcomeRecorded(ctx, report, 1, engine.Outcome{Kind: "file", Status: engine.OutcomeChanged})
	m.HostAborted(ctx, report, "web1", nil)
	m.RunFinished(ctx, report)

	if m.Enabled() {
		t.Error("metrics should be disabled")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d", rec.Code)
	}
	if addr, err := m.Serve(ctx, zerolog.Nop()); addr != "" || err != nil {
		t.Errorf("Serve() = %q, %v", addr, err)
	}
}

func TestMetrics_Serve(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m := NewMetrics(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := m.Serve(ctx, zerolog.Nop())
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	m.RunStarted(ctx, engine.NewRunReport("site", false))

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "froyo_active_runs 1") {
		t.Errorf("served metrics = %s", body)
	}
}
