package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nfrund/hookscript/internal/lifecycle"
	"github.com/nfrund/hookscript/internal/scheduler"
	"github.com/nfrund/hookscript/internal/script"
)

// ResultDisplay is the printable form of one script execution
type ResultDisplay struct {
	Script     string         `json:"script"`
	Phase      string         `json:"phase"`
	Outcome    string         `json:"outcome"`
	Result     any            `json:"result,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func resultDisplay(r *script.ExecutionResult) ResultDisplay {
	d := ResultDisplay{
		Script:     r.ScriptName,
		Phase:      string(r.Phase),
		Outcome:    string(r.Outcome.Kind),
		Result:     r.Outcome.ReturnValue,
		Changes:    r.Outcome.EntityChanges,
		Reason:     r.Outcome.Reason,
		DurationMs: r.Duration().Milliseconds(),
	}
	if r.Outcome.Err != nil {
		d.Error = r.Outcome.Err.Error()
		d.ErrorType = string(r.Outcome.Err.Type)
	}
	return d
}

// PhaseDisplay is the printable form of a phase run
type PhaseDisplay struct {
	EntityType string          `json:"entity_type"`
	Event      string          `json:"event"`
	Phase      string          `json:"phase"`
	Status     string          `json:"status"`
	Proceed    bool            `json:"proceed"`
	Reason     string          `json:"reason,omitempty"`
	Changes    map[string]any  `json:"changes"`
	Unapplied  map[string]any  `json:"unapplied,omitempty"`
	Results    []ResultDisplay `json:"results"`
	Errors     *ErrorsDisplay  `json:"errors,omitempty"`
}

// ErrorsDisplay is the printable form of the executor's error summary
type ErrorsDisplay struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByScript   map[string]int `json:"by_script"`
	Unhealthy  []string       `json:"unhealthy,omitempty"`
	MostCommon string         `json:"most_common,omitempty"`
}

// errorsDisplay returns nil when nothing failed
func errorsDisplay(s *script.ErrorSummary) *ErrorsDisplay {
	if s == nil || s.TotalErrors == 0 {
		return nil
	}
	d := &ErrorsDisplay{
		Total:     s.TotalErrors,
		ByType:    make(map[string]int, len(s.ErrorsByType)),
		ByScript:  s.ErrorsByScript,
		Unhealthy: s.UnhealthyScripts,
	}
	for errorType, count := range s.ErrorsByType {
		d.ByType[string(errorType)] = count
	}
	if s.MostCommonError != nil {
		d.MostCommon = s.MostCommonError.Error()
	}
	return d
}

func phaseDisplay(p *script.PhaseResult) PhaseDisplay {
	d := PhaseDisplay{
		EntityType: p.EntityType,
		Event:      string(p.Event),
		Phase:      string(p.Phase),
		Status:     string(p.Status),
		Proceed:    p.Proceed(),
		Reason:     p.Reason,
		Changes:    p.Changes(),
		Unapplied:  p.Unapplied,
		Results:    make([]ResultDisplay, 0, len(p.Results)),
	}
	for _, r := range p.Results {
		d.Results = append(d.Results, resultDisplay(r))
	}
	return d
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeResultsTable(w io.Writer, results []ResultDisplay) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "SCRIPT\tPHASE\tOUTCOME\tDURATION\tDETAIL")
	fmt.Fprintln(tw, "------\t-----\t-------\t--------\t------")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n",
			r.Script, r.Phase, r.Outcome, r.DurationMs, truncateString(detail(r), 60))
	}
}

func detail(r ResultDisplay) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Reason != "":
		return r.Reason
	case r.Result != nil:
		return fmt.Sprint(r.Result)
	case len(r.Changes) > 0:
		return fmt.Sprint(r.Changes)
	default:
		return "-"
	}
}

func writeErrorsTable(w io.Writer, d *ErrorsDisplay) {
	if d == nil {
		return
	}
	fmt.Fprintf(w, "Errors: %d\n", d.Total)

	scripts := make([]string, 0, len(d.ByScript))
	for name := range d.ByScript {
		scripts = append(scripts, name)
	}
	sort.Strings(scripts)

	unhealthy := make(map[string]bool, len(d.Unhealthy))
	for _, name := range d.Unhealthy {
		unhealthy[name] = true
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "SCRIPT\tERRORS\tHEALTH")
	fmt.Fprintln(tw, "------\t------\t------")
	for _, name := range scripts {
		health := "ok"
		if unhealthy[name] {
			health = "unhealthy"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, d.ByScript[name], health)
	}
}

func writeJobsTable(w io.Writer, jobs []scheduler.ScheduledJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "SCRIPT\tEXPRESSION\tNEXT RUN\tLAST RUN\tLAST OUTCOME")
	fmt.Fprintln(tw, "------\t----------\t--------\t--------\t------------")
	if len(jobs) == 0 {
		fmt.Fprintln(tw, "No scheduled scripts found")
		return
	}
	for _, j := range jobs {
		lastRun, outcome := "-", "-"
		if j.LastRun != nil {
			lastRun = j.LastRun.Format(time.RFC3339)
		}
		if j.LastOutcome != "" {
			outcome = string(j.LastOutcome)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ScriptName, j.Expression, j.NextRun.Format(time.RFC3339), lastRun, outcome)
	}
}

func writeScriptsTable(w io.Writer, scripts []*script.Script) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tSTATUS\tTRIGGER\tERRORS\tDESCRIPTION")
	fmt.Fprintln(tw, "----\t------\t-------\t------\t-----------")
	if len(scripts) == 0 {
		fmt.Fprintln(tw, "No scripts found")
		return
	}
	for _, s := range scripts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.Name, s.Status, s.Trigger, s.ErrorCount, truncateString(s.Description, 40))
	}
}

// parseEntity decodes a JSON object flag. Whole numbers become integers.
func parseEntity(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var entity map[string]any
	if err := json.Unmarshal([]byte(raw), &entity); err != nil {
		return nil, fmt.Errorf("entity must be a JSON object: %w", err)
	}
	return lifecycle.NormalizeNumbers(entity), nil
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
