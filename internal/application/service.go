// Package application wires the policy and trace cores behind one service
// used by every adapter. The cores are pure; the service adds logging and
// optional run-history recording around them.
package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwilcz/traceflow/internal/domain"
	"github.com/kwilcz/traceflow/internal/policy"
	"github.com/kwilcz/traceflow/internal/trace"
)

var ErrFlowNotFound = errors.New("flow not found")

// PolicyService exposes consolidation, trace parsing, and flow grouping.
// The run repository is optional; without one the service simply skips
// run-history recording.
type PolicyService struct {
	processor *policy.Processor
	runs      domain.RunRepository
	log       *zap.Logger
}

func NewPolicyService(runs domain.RunRepository, log *zap.Logger) *PolicyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyService{
		processor: policy.NewProcessor(),
		runs:      runs,
		log:       log,
	}
}

// ConsolidatePolicies resolves a policy file set into the merged document,
// entity catalog, and journey graph, and records a run summary.
func (s *PolicyService) ConsolidatePolicies(ctx context.Context, files []domain.PolicyFile) (*domain.UploadResponse, error) {
	start := time.Now()
	resp, err := s.processor.ProcessFiles(files)
	if err != nil {
		s.log.Warn("consolidation failed", zap.Int("files", len(files)), zap.Error(err))
		return nil, fmt.Errorf("consolidate policies: %w", err)
	}

	run := domain.ConsolidationRun{
		RunID:        uuid.NewString(),
		PolicyIDs:    joinPolicyIDs(resp.Entities),
		FileCount:    len(files),
		EntityCount:  countEntities(resp.Entities),
		NodeCount:    len(resp.Graph.Nodes),
		WarningCount: len(resp.Warnings),
		DurationMS:   time.Since(start).Milliseconds(),
	}
	s.log.Info("policies consolidated",
		zap.String("run_id", run.RunID),
		zap.Int("files", run.FileCount),
		zap.Int("entities", run.EntityCount),
		zap.Int("nodes", run.NodeCount),
		zap.Int("warnings", run.WarningCount),
	)
	if s.runs != nil {
		if _, err := s.runs.CreateConsolidationRun(ctx, run); err != nil {
			// History is best-effort; the consolidation result stands.
			s.log.Warn("failed to record consolidation run", zap.Error(err))
		}
	}
	return resp, nil
}

// ParseTraceLogs reconstructs orchestration steps from raw telemetry and
// records a run summary. Malformed clips surface in the result's error list,
// never as a failure.
func (s *PolicyService) ParseTraceLogs(ctx context.Context, logs []domain.LogRecord) (domain.TraceParseResult, error) {
	start := time.Now()
	result := trace.ParseTrace(logs)

	run := domain.TraceParseRun{
		RunID:      uuid.NewString(),
		LogCount:   len(logs),
		StepCount:  len(result.TraceSteps),
		ErrorCount: len(result.Errors),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if len(logs) > 0 {
		run.PolicyID = logs[0].PolicyID
	}
	s.log.Info("trace parsed",
		zap.String("run_id", run.RunID),
		zap.Int("logs", run.LogCount),
		zap.Int("steps", run.StepCount),
		zap.Int("errors", run.ErrorCount),
	)
	if s.runs != nil {
		if _, err := s.runs.CreateTraceParseRun(ctx, run); err != nil {
			s.log.Warn("failed to record trace parse run", zap.Error(err))
		}
	}
	return result, nil
}

// GroupFlows folds raw logs into per-correlation flow summaries.
func (s *PolicyService) GroupFlows(_ context.Context, logs []domain.LogRecord) []domain.UserFlow {
	return trace.GroupLogsIntoFlows(logs)
}

// FlowLogs returns the logs belonging to one flow, preserving input order.
func (s *PolicyService) FlowLogs(_ context.Context, logs []domain.LogRecord, flowID string) ([]domain.LogRecord, error) {
	flows := trace.GroupLogsIntoFlows(logs)
	found := false
	for _, f := range flows {
		if f.ID == flowID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	return trace.LogsForFlow(logs, flowID, flows), nil
}

func (s *PolicyService) ListConsolidationRuns(ctx context.Context, limit int) ([]domain.ConsolidationRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListConsolidationRuns(ctx, limit)
}

func (s *PolicyService) ListTraceParseRuns(ctx context.Context, limit int) ([]domain.TraceParseRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListTraceParseRuns(ctx, limit)
}

func countEntities(entities domain.PolicyEntities) int {
	total := 0
	for _, byID := range entities {
		total += len(byID)
	}
	return total
}

func joinPolicyIDs(entities domain.PolicyEntities) string {
	seen := map[string]bool{}
	var ids []string
	for _, byID := range entities {
		for _, versions := range byID {
			for _, v := range versions {
				if v.SourcePolicyID == "" || seen[v.SourcePolicyID] {
					continue
				}
				seen[v.SourcePolicyID] = true
				ids = append(ids, v.SourcePolicyID)
			}
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
