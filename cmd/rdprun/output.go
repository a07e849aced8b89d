package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tomyan/rdprun/internal/runner"
)

// resultRecord is one test in json and ndjson output.
type resultRecord struct {
	Type       string         `json:"type,omitempty"`
	Test       string         `json:"test"`
	Outcome    runner.Outcome `json:"outcome"`
	Shard      int            `json:"shard"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Diff       string         `json:"diff,omitempty"`
}

// summaryRecord closes json and ndjson output.
type summaryRecord struct {
	Type       string         `json:"type,omitempty"`
	RunID      string         `json:"run_id"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	TimedOut   int            `json:"timed_out"`
	DurationMS int64          `json:"duration_ms"`
	Results    []resultRecord `json:"results,omitempty"`
}

func newResultRecord(r runner.Result) resultRecord {
	rec := resultRecord{
		Test:       r.Test.Name(),
		Outcome:    r.Outcome,
		Shard:      r.Shard,
		DurationMS: r.Duration.Milliseconds(),
		Diff:       r.Diff,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// isTerminal checks if the given writer is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

type styles struct {
	success, failure, timeout, muted, added, removed lipgloss.Style
}

func newStyles(w io.Writer) styles {
	if !isTerminal(w) {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		success: r.NewStyle().Foreground(lipgloss.Color("#4ECDC4")).Bold(true),
		failure: r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		timeout: r.NewStyle().Foreground(lipgloss.Color("#FFE66D")).Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#6c757d")),
		added:   r.NewStyle().Foreground(lipgloss.Color("#4ECDC4")),
		removed: r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}
}

func (s styles) outcome(o runner.Outcome) lipgloss.Style {
	switch o {
	case runner.Success:
		return s.success
	case runner.Timeout:
		return s.timeout
	default:
		return s.failure
	}
}

// reporter writes results as they arrive and the summary at the end.
type reporter struct {
	cfg    *Config
	runID  string
	styles styles
	start  time.Time
}

func newReporter(cfg *Config, runID string) *reporter {
	return &reporter{
		cfg:    cfg,
		runID:  runID,
		styles: newStyles(cfg.Stdout),
		start:  time.Now(),
	}
}

func (rep *reporter) result(r runner.Result) {
	switch rep.cfg.Output {
	case "ndjson":
		rec := newResultRecord(r)
		rec.Type = "result"
		json.NewEncoder(rep.cfg.Stdout).Encode(rec)
	case "text":
		rep.textResult(r)
	}
}

func (rep *reporter) textResult(r runner.Result) {
	w := rep.cfg.Stdout
	fmt.Fprintf(w, "%s %s %s\n",
		rep.styles.outcome(r.Outcome).Render(fmt.Sprintf("%-7s", r.Outcome)),
		r.Test.Name(),
		rep.styles.muted.Render(fmt.Sprintf("(%s)", r.Duration.Round(time.Millisecond))))

	if rep.cfg.Quiet || r.Outcome == runner.Success {
		return
	}
	if r.Err != nil && r.Diff == "" {
		fmt.Fprintf(w, "    %s\n", r.Err)
	}
	for _, line := range strings.SplitAfter(r.Diff, "\n") {
		if line == "" {
			continue
		}
		text := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			text = rep.styles.muted.Render(text)
		case strings.HasPrefix(line, "+"):
			text = rep.styles.added.Render(text)
		case strings.HasPrefix(line, "-"):
			text = rep.styles.removed.Render(text)
		}
		fmt.Fprintf(w, "    %s\n", text)
	}
}

func (rep *reporter) summary(s runner.Summary) {
	elapsed := time.Since(rep.start)
	rec := summaryRecord{
		RunID:      rep.runID,
		Total:      s.Total(),
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		TimedOut:   s.TimedOut,
		DurationMS: elapsed.Milliseconds(),
	}

	switch rep.cfg.Output {
	case "json":
		rec.Results = make([]resultRecord, 0, len(s.Results))
		for _, r := range s.Results {
			rec.Results = append(rec.Results, newResultRecord(r))
		}
		enc := json.NewEncoder(rep.cfg.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rec)
	case "ndjson":
		rec.Type = "summary"
		json.NewEncoder(rep.cfg.Stdout).Encode(rec)
	case "text":
		line := fmt.Sprintf("%d tests: %d succeeded, %d failed, %d timed out (%s)",
			rec.Total, rec.Succeeded, rec.Failed, rec.TimedOut, elapsed.Round(time.Millisecond))
		style := rep.styles.success
		if !s.OK() {
			style = rep.styles.failure
		}
		fmt.Fprintln(rep.cfg.Stdout, style.Render(line))
	}
}
