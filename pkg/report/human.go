package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

type styles struct {
	title     lipgloss.Style
	changed   lipgloss.Style
	unchanged lipgloss.Style
	skipped   lipgloss.Style
	failed    lipgloss.Style
	ignored   lipgloss.Style
	dim       lipgloss.Style
	host      lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:     r.NewStyle().Bold(true).Foreground(colorCyan),
		changed:   r.NewStyle().Foreground(colorYellow),
		unchanged: r.NewStyle().Foreground(colorGreen),
		skipped:   r.NewStyle().Faint(true),
		failed:    r.NewStyle().Foreground(colorRed).Bold(true),
		ignored:   r.NewStyle().Foreground(colorRed),
		dim:       r.NewStyle().Foreground(colorDim),
		host:      r.NewStyle().Bold(true).Width(hostColumn),
	}
}

const hostColumn = 24

func (s styles) status(o engine.Outcome) string {
	label := fmt.Sprintf("%-9s", o.Status)
	switch {
	case o.Status == engine.OutcomeFailed && o.Ignored:
		return s.ignored.Render("ignored  ")
	case o.Status == engine.OutcomeFailed:
		return s.failed.Render(label)
	case o.Status == engine.OutcomeChanged:
		return s.changed.Render(label)
	case o.Status == engine.OutcomeSkipped:
		return s.skipped.Render(label)
	default:
		return s.unchanged.Render(label)
	}
}

var _ engine.Observer = (*Printer)(nil)

// Printer renders run progress for a terminal: one line per outcome as it
// lands and a recap at the end.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	styles styles
	play   map[string]string
}

// NewPrinter creates a printer writing to w. Colors are used only when w
// is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styles: newStyles(w), play: make(map[string]string)}
}

// RunStarted implements engine.Observer.
func (p *Printer) RunStarted(_ context.Context, r *engine.RunReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mode := ""
	if r.CheckMode {
		mode = " (check mode)"
	}
	fmt.Fprintln(p.w, p.styles.title.Render(fmt.Sprintf("PLAN %s%s", r.PlanName, mode)))
	fmt.Fprintln(p.w, p.styles.dim.Render("run "+r.RunID))
}

// OutcomeRecorded implements engine.Observer.
func (p *Printer) OutcomeRecorded(_ context.Context, _ *engine.RunReport, _ int, o engine.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s [%s] %s / %s", p.styles.status(o), o.Host, o.Play, o.TaskName)
	if o.Attempts > 1 {
		line += p.styles.dim.Render(fmt.Sprintf(" (%d attempts)", o.Attempts))
	}
	if o.Duration >= time.Second {
		line += p.styles.dim.Render(" " + o.Duration.Round(100*time.Millisecond).String())
	}
	fmt.Fprintln(p.w, line)

	for _, c := range o.Diff {
		fmt.Fprintln(p.w, p.styles.dim.Render("    ~ "+c.String()))
	}
	if o.Status == engine.OutcomeFailed || (o.Status == engine.OutcomeSkipped && o.Message != "") {
		if msg := strings.TrimSpace(o.Message); msg != "" {
			fmt.Fprintln(p.w, "    "+msg)
		}
	}
}

// HostAborted implements engine.Observer.
func (p *Printer) HostAborted(_ context.Context, _ *engine.RunReport, host string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := "aborted"
	if engine.IsKind(err, engine.ErrorKindHostUnreachable) {
		msg = "unreachable"
	}
	line := fmt.Sprintf("%s [%s]", p.styles.failed.Render(fmt.Sprintf("%-9s", msg)), host)
	if err != nil {
		line += " " + err.Error()
	}
	fmt.Fprintln(p.w, line)
}

// RunFinished implements engine.Observer.
func (p *Printer) RunFinished(_ context.Context, r *engine.RunReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w)
	writeRecap(p.w, p.styles, r)
}

// WriteSummary writes the per-host recap and the final recap line.
func WriteSummary(w io.Writer, r *engine.RunReport) {
	writeRecap(w, newStyles(w), r)
}

func writeRecap(w io.Writer, s styles, r *engine.RunReport) {
	fmt.Fprintln(w, s.title.Render("RECAP"))
	for _, h := range r.Hosts() {
		var c engine.Summary
		for _, o := range h.Outcomes {
			switch {
			case o.Status == engine.OutcomeChanged:
				c.Changed++
			case o.Status == engine.OutcomeUnchanged:
				c.Unchanged++
			case o.Status == engine.OutcomeSkipped:
				c.Skipped++
			case o.Status == engine.OutcomeFailed && o.Ignored:
				c.Ignored++
			case o.Status == engine.OutcomeFailed:
				c.Failed++
			}
		}

		hostStyle := s.host
		switch {
		case h.Aborted || c.Failed > 0:
			hostStyle = hostStyle.Foreground(colorRed)
		case c.Changed > 0:
			hostStyle = hostStyle.Foreground(colorYellow)
		default:
			hostStyle = hostStyle.Foreground(colorGreen)
		}

		line := fmt.Sprintf("%s : changed=%d unchanged=%d skipped=%d failed=%d ignored=%d",
			hostStyle.Render(h.Host), c.Changed, c.Unchanged, c.Skipped, c.Failed, c.Ignored)
		if h.Unreachable {
			line += " unreachable"
		} else if h.Aborted {
			line += " aborted"
		}
		fmt.Fprintln(w, line)
	}

	sum := r.Summary()
	status := r.Status()
	recap := fmt.Sprintf("%s %s: %d changed, %d unchanged, %d skipped, %d failed, %d ignored on %d hosts",
		r.PlanName, status, sum.Changed, sum.Unchanged, sum.Skipped, sum.Failed, sum.Ignored, sum.Hosts)
	if sum.Aborted > 0 {
		recap += fmt.Sprintf(" (%d aborted)", sum.Aborted)
	}
	if end := r.CompletedAt(); !end.IsZero() {
		recap += fmt.Sprintf(" in %s", end.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Success() {
		fmt.Fprintln(w, s.unchanged.Render(recap))
	} else {
		fmt.Fprintln(w, s.failed.Render(recap))
	}
}
