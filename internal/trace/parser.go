package trace

import (
	"sort"
	"strconv"

	"github.com/kwilcz/traceflow/internal/domain"
)

// ParseTrace reconstructs orchestration-step executions from raw log
// records. Records are grouped by correlation id and processed in timestamp
// order; an orchestration-manager result clip carrying a step order seals the
// current step and opens the next one, and every other clip is fed through
// the interpreter pipeline into the open step. Clips seen before the first
// boundary of a group have no step to land on and are dropped.
//
// Malformed clip payloads are collected into the result's errors and leave
// the step partially populated; the parse itself never fails.
func ParseTrace(logs []domain.LogRecord) domain.TraceParseResult {
	result := domain.TraceParseResult{
		ExecutionMap: make(map[string][]int),
		Errors:       []string{},
	}

	for _, group := range groupByCorrelation(logs) {
		groupStart := len(result.TraceSteps)
		var current *domain.TraceStep

		for _, log := range group {
			for _, clip := range log.Clips {
				if order, ok := stepBoundary(clip); ok {
					if current != nil {
						result.TraceSteps = append(result.TraceSteps, *current)
					}
					current = &domain.TraceStep{
						SequenceNumber: len(result.TraceSteps),
						Order:          order,
						NodeID:         nodeID(order),
						Timestamp:      log.Timestamp,
					}
				}
				if current == nil {
					continue
				}
				applyInterpreters(clip, current, &result.Errors)
			}
		}
		if current != nil {
			result.TraceSteps = append(result.TraceSteps, *current)
		}

		runPostProcessors(result.TraceSteps[groupStart:], &result.Errors)
	}

	for _, step := range result.TraceSteps {
		result.ExecutionMap[step.NodeID] = append(result.ExecutionMap[step.NodeID], step.SequenceNumber)
	}
	return result
}

func applyInterpreters(clip domain.Clip, step *domain.TraceStep, errs *[]string) {
	for _, in := range interpreters {
		if !in.recognizes(clip) {
			continue
		}
		if err := in.apply(clip, step); err != nil {
			*errs = append(*errs, err.Error())
		}
		return
	}
	// Unrecognized kinds are skipped so telemetry schema evolution does not
	// break older parsers.
}

// groupByCorrelation partitions logs by correlation id, ordering groups by
// correlation id and logs within a group by timestamp. Sorting both levels
// makes the parse deterministic for a given input multiset.
func groupByCorrelation(logs []domain.LogRecord) [][]domain.LogRecord {
	byID := make(map[string][]domain.LogRecord)
	for _, log := range logs {
		byID[log.CorrelationID] = append(byID[log.CorrelationID], log)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make([][]domain.LogRecord, 0, len(ids))
	for _, id := range ids {
		group := byID[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		groups = append(groups, group)
	}
	return groups
}

func nodeID(order int) string {
	// Matches the node ids the policy graph assigns to orchestration steps.
	return "step-" + strconv.Itoa(order)
}
