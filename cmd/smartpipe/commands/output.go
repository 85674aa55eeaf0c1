package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderTable renders rows under headers. Terminals get a rounded, colored
// table; pipes get plain ASCII.
func renderTable(w io.Writer, headers []string, rows [][]string) string {
	tw := table.NewWriter()
	if isTerminal(w) {
		tw.SetStyle(table.StyleRounded)
		tw.Style().Color.Header = text.Colors{text.Bold}
	} else {
		tw.SetStyle(table.StyleDefault)
	}

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	fmt.Fprintln(w, renderTable(w, headers, rows))
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printPlan(w io.Writer, plan *engine.ExecutionPlan) {
	fmt.Fprintf(w, "Plan %s\n", plan.ID)
	printTable(w, []string{"Field", "Value"}, [][]string{
		{"Workflow", plan.TargetWorkflowID},
		{"Category", string(plan.Category)},
		{"Confidence", fmt.Sprintf("%.2f", plan.Confidence)},
		{"Resource", plan.Resource},
		{"Domain", plan.Domain},
		{"Estimated duration", plan.EstimatedDuration.String()},
		{"Escalation triggers", strings.Join(plan.EscalationTriggers, ", ")},
	})

	rows := make([][]string, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		rows = append(rows, []string{fmt.Sprint(i + 1), step.Name, step.Description})
	}
	printTable(w, []string{"#", "Step", "Description"}, rows)

	if len(plan.Conf) > 0 {
		keys := sortedKeys(plan.Conf)
		rows = rows[:0]
		for _, k := range keys {
			rows = append(rows, []string{k, fmt.Sprint(plan.Conf[k])})
		}
		printTable(w, []string{"Conf", "Value"}, rows)
	}
}

func printReport(w io.Writer, report *engine.ObserverReport) {
	fmt.Fprintf(w, "Run %s (%s)\n", report.RunID, report.WorkflowID)
	printTable(w, []string{"Field", "Value"}, [][]string{
		{"Execution status", string(report.ExecutionStatus)},
		{"Engine state", string(report.EngineState)},
		{"Concern level", string(report.ConcernLevel)},
		{"Retries", fmt.Sprintf("%d/%d", report.RetryCount, report.MaxRetries)},
		{"Shadow errors", fmt.Sprint(len(report.ShadowErrorHistory))},
		{"Orphaned", fmt.Sprint(report.Orphaned)},
		{"Completed", formatTime(report.CompletedAt)},
	})

	if len(report.ShadowErrorHistory) > 0 {
		printShadowErrors(w, report.ShadowErrorHistory)
	}
	if len(report.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, r := range report.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func printShadowErrors(w io.Writer, errs []engine.ShadowError) {
	rows := make([][]string, 0, len(errs))
	for _, se := range errs {
		evidence := make([]string, 0, len(se.Evidence))
		for _, ev := range se.Evidence {
			evidence = append(evidence, ev.Detail)
		}
		rows = append(rows, []string{
			fmt.Sprint(se.Attempt),
			se.Kind,
			string(se.Severity),
			se.DetectedBy,
			truncate(strings.Join(evidence, "; "), 80),
			fmt.Sprint(len(se.FixCommands)),
		})
	}
	printTable(w, []string{"Attempt", "Kind", "Severity", "Check", "Evidence", "Fixes"}, rows)
}

// printGuidance prints the help text, documentation snippets and
// suggestions carried by an unresolved or refused intent. Other errors
// print nothing.
func printGuidance(w io.Writer, err error) {
	var ee *engine.EngineError
	if !(engine.IsAmbiguousIntent(err) || engine.IsReadOnly(err)) || !errors.As(err, &ee) {
		return
	}
	if help, ok := ee.Details["help"].(string); ok {
		fmt.Fprintln(w, help)
	}
	if snippets, ok := ee.Details["context"].([]engine.Snippet); ok && len(snippets) > 0 {
		rows := make([][]string, 0, len(snippets))
		for _, s := range snippets {
			rows = append(rows, []string{fmt.Sprintf("%.2f", s.Score), s.Source, truncate(s.Content, 80)})
		}
		printTable(w, []string{"Score", "Source", "Content"}, rows)
	}
	if suggestions, ok := ee.Details["suggestions"].([]string); ok {
		for _, s := range suggestions {
			fmt.Fprintln(w, s)
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
