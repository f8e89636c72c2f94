package validate

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Verdict is the aggregate outcome of a validation run.
type Verdict string

const (
	VerdictPass             Verdict = "pass"
	VerdictPassWithWarnings Verdict = "pass_with_warnings"
	VerdictFail             Verdict = "fail"
)

type CheckResult struct {
	Name    string   `json:"name"`
	Status  Status   `json:"status"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type Summary struct {
	Passed   int `json:"passed"`
	Warnings int `json:"warnings"`
	Failed   int `json:"failed"`
}

type Report struct {
	Dir      string        `json:"dir"`
	Verdict  Verdict       `json:"verdict"`
	Summary  Summary       `json:"summary"`
	Checks   []CheckResult `json:"checks"`
	Duration time.Duration `json:"-"`
}

func newReport(dir string, checks []CheckResult) Report {
	r := Report{Dir: dir, Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case StatusFail:
			r.Summary.Failed++
		case StatusWarn:
			r.Summary.Warnings++
		default:
			r.Summary.Passed++
		}
	}
	switch {
	case r.Summary.Failed > 0:
		r.Verdict = VerdictFail
	case r.Summary.Warnings > 0:
		r.Verdict = VerdictPassWithWarnings
	default:
		r.Verdict = VerdictPass
	}
	return r
}

// ExitCode is 1 when the build must not proceed.
func (r Report) ExitCode() int {
	if r.Verdict == VerdictFail {
		return 1
	}
	return 0
}

func (r Report) Passed() bool { return r.Verdict != VerdictFail }

// FailedChecks returns the names of failed checks.
func (r Report) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			out = append(out, c.Name)
		}
	}
	return out
}

// Check returns the result for name.
func (r Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteTable renders the report for terminals.
func (r Report) WriteTable(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"#", "Check", "Status", "Message"})
	for i, c := range r.Checks {
		msg := c.Message
		if len(c.Details) > 0 {
			msg += "\n  - " + strings.Join(c.Details, "\n  - ")
		}
		tw.AppendRow(table.Row{i + 1, c.Name, statusText(c.Status), msg})
	}
	tw.AppendFooter(table.Row{"", "verdict", string(r.Verdict), fmt.Sprintf("%d passed, %d warnings, %d failed", r.Summary.Passed, r.Summary.Warnings, r.Summary.Failed)})
	tw.Render()
}

func statusText(s Status) string {
	switch s {
	case StatusFail:
		return text.FgRed.Sprint("FAIL")
	case StatusWarn:
		return text.FgYellow.Sprint("WARN")
	default:
		return text.FgGreen.Sprint("PASS")
	}
}
