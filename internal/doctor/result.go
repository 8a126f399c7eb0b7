// Package doctor runs the health checks behind "world doctor".
package doctor

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/faize-ai/world/internal/errs"
)

// Status is the outcome of a single health check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is the outcome of a single health check. A failing result carries
// the exit-code kind the doctor command reports for it.
type Result struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	FixHint string         `json:"fix_hint,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	Kind    errs.Kind      `json:"-"`
}

func Pass(name, message string) Result {
	return Result{Name: name, Status: StatusPass, Message: message}
}

// Warn results do not fail the report.
func Warn(name, message string) Result {
	return Result{Name: name, Status: StatusWarn, Message: message}
}

func Fail(name string, kind errs.Kind, message, fixHint string) Result {
	return Result{Name: name, Status: StatusFail, Message: message, FixHint: fixHint, Kind: kind}
}

// Skip is used when a prerequisite check failed.
func Skip(name, message string) Result {
	return Result{Name: name, Status: StatusSkip, Message: message}
}

func (r Result) with(key string, value any) Result {
	if r.Detail == nil {
		r.Detail = make(map[string]any)
	}
	r.Detail[key] = value
	return r
}

// Report is the JSON output of "world doctor --json".
type Report struct {
	Checks []Result `json:"checks"`
	OK     bool     `json:"ok"`
}

func newReport(checks []Result) Report {
	r := Report{Checks: checks, OK: true}
	for _, c := range checks {
		if c.Status == StatusFail {
			r.OK = false
		}
	}
	return r
}

// ExitCode is 0 when no check failed, otherwise the kind of the first
// failing check.
func (r Report) ExitCode() int {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			if c.Kind == errs.KindOK {
				return int(errs.KindInternal)
			}
			return int(c.Kind)
		}
	}
	return 0
}

// Err returns an error carrying ExitCode, or nil for a healthy report.
func (r Report) Err() error {
	code := r.ExitCode()
	if code == 0 {
		return nil
	}
	return &errs.ExitError{Code: code}
}

func statusIcon(s Status) string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "!"
	case StatusFail:
		return "✗"
	}
	return "-"
}

// WriteText renders the report for a terminal.
func (r Report) WriteText(w io.Writer) error {
	for _, c := range r.Checks {
		if _, err := fmt.Fprintf(w, "%s %-12s %s\n", statusIcon(c.Status), c.Name, c.Message); err != nil {
			return err
		}
		if c.FixHint != "" && c.Status != StatusPass {
			if _, err := fmt.Fprintf(w, "  %-12s fix: %s\n", "", c.FixHint); err != nil {
				return err
			}
		}
	}
	summary := "world is healthy"
	if !r.OK {
		summary = "world has problems"
	}
	_, err := fmt.Fprintf(w, "\n%s\n", summary)
	return err
}

// WriteJSON renders the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
