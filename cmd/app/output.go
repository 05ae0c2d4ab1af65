package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kwilcz/traceflow/internal/domain"
)

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func printConsolidation(resp domain.UploadResponse) {
	entityCount := 0
	for _, byID := range resp.Entities {
		entityCount += len(byID)
	}
	printKV([][2]string{
		{"entities", itoa(entityCount)},
		{"graph nodes", itoa(len(resp.Graph.Nodes))},
		{"graph edges", itoa(len(resp.Graph.Edges))},
		{"warnings", itoa(len(resp.Warnings))},
	})
	for _, warning := range resp.Warnings {
		fmt.Printf("%s: %s (%s)\n", warning.Severity, warning.Message, warning.FileName)
	}
}

func printTraceResult(result domain.TraceParseResult) {
	rows := make([][]string, 0, len(result.TraceSteps))
	for _, step := range result.TraceSteps {
		duration := "-"
		if step.Duration != nil {
			duration = step.Duration.String()
		}
		outcome := "-"
		if step.InteractionResult != nil {
			if step.InteractionResult.Success {
				outcome = "ok"
			} else {
				outcome = "fail"
			}
		}
		rows = append(rows, []string{
			itoa(step.SequenceNumber),
			step.NodeID,
			step.EventType,
			duration,
			outcome,
		})
	}
	printTable([]string{"SEQ", "NODE", "EVENT", "DURATION", "RESULT"}, rows)
	for _, e := range result.Errors {
		fmt.Printf("error: %s\n", e)
	}
}

func printFlows(flows []domain.UserFlow) {
	rows := make([][]string, 0, len(flows))
	for _, flow := range flows {
		state := "in progress"
		switch {
		case flow.Cancelled:
			state = "cancelled"
		case flow.Completed:
			state = "completed"
		}
		if flow.HasErrors {
			state += " (errors)"
		}
		rows = append(rows, []string{
			flow.ID,
			flow.PolicyID,
			formatTime(flow.StartTime),
			itoa(flow.StepCount),
			itoa(len(flow.LogIDs)),
			state,
		})
	}
	printTable([]string{"FLOW", "POLICY", "STARTED", "STEPS", "LOGS", "STATE"}, rows)
}

func printLogRecords(logs []domain.LogRecord) {
	rows := make([][]string, 0, len(logs))
	for _, log := range logs {
		rows = append(rows, []string{
			log.ID,
			formatTime(log.Timestamp),
			log.PolicyID,
			itoa(len(log.Clips)),
		})
	}
	printTable([]string{"LOG", "TIMESTAMP", "POLICY", "CLIPS"}, rows)
}

func printConsolidationRuns(runs []domain.ConsolidationRun) {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.RunID,
			run.PolicyIDs,
			itoa(run.FileCount),
			itoa(run.EntityCount),
			itoa(run.NodeCount),
			itoa(run.WarningCount),
			formatTime(run.CreatedAt),
		})
	}
	printTable([]string{"RUN", "POLICIES", "FILES", "ENTITIES", "NODES", "WARNINGS", "CREATED"}, rows)
}

func printTraceParseRuns(runs []domain.TraceParseRun) {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.RunID,
			run.PolicyID,
			itoa(run.LogCount),
			itoa(run.StepCount),
			itoa(run.ErrorCount),
			formatTime(run.CreatedAt),
		})
	}
	printTable([]string{"RUN", "POLICY", "LOGS", "STEPS", "ERRORS", "CREATED"}, rows)
}
