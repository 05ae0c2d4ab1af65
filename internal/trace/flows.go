package trace

import (
	"sort"

	"github.com/kwilcz/traceflow/internal/domain"
)

// GroupLogsIntoFlows folds raw log records into per-correlation user flows.
// Pure and deterministic for a given input multiset: flows come back sorted
// by correlation id, and a flow's LogIDs keep the input's relative order.
func GroupLogsIntoFlows(logs []domain.LogRecord) []domain.UserFlow {
	flows := []domain.UserFlow{}
	byID := make(map[string]int)

	for _, log := range logs {
		idx, seen := byID[log.CorrelationID]
		if !seen {
			idx = len(flows)
			byID[log.CorrelationID] = idx
			flows = append(flows, domain.UserFlow{
				ID:        log.CorrelationID,
				PolicyID:  log.PolicyID,
				StartTime: log.Timestamp,
				EndTime:   log.Timestamp,
			})
		}
		flow := &flows[idx]
		flow.LogIDs = append(flow.LogIDs, log.ID)
		if log.Timestamp.Before(flow.StartTime) {
			flow.StartTime = log.Timestamp
		}
		if log.Timestamp.After(flow.EndTime) {
			flow.EndTime = log.Timestamp
		}
		classifyClips(log.Clips, flow)
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows
}

// classifyClips folds one record's clips into the flow's summary flags.
func classifyClips(clips []domain.Clip, flow *domain.UserFlow) {
	for _, clip := range clips {
		if _, ok := stepBoundary(clip); ok {
			flow.StepCount++
		}
		switch clip.Kind {
		case ClipException:
			flow.HasErrors = true
		case ClipTransition:
			switch payloadString(clip.Payload, "EventName") {
			case "Fail":
				flow.HasErrors = true
			case "Cancel", "AbandonFlow":
				flow.Cancelled = true
			}
		case ClipAction:
			// Reaching the token-issuance handler marks the journey complete.
			if payloadString(clip.Payload, "Handler") == "SendClaims" {
				flow.Completed = true
			}
		}
	}
}

// LogsForFlow returns the logs belonging to one flow, preserving the input's
// relative order. Unknown flow ids yield an empty slice.
func LogsForFlow(logs []domain.LogRecord, flowID string, flows []domain.UserFlow) []domain.LogRecord {
	var members map[string]bool
	for _, flow := range flows {
		if flow.ID != flowID {
			continue
		}
		members = make(map[string]bool, len(flow.LogIDs))
		for _, id := range flow.LogIDs {
			members[id] = true
		}
		break
	}

	selected := []domain.LogRecord{}
	for _, log := range logs {
		if members[log.ID] {
			selected = append(selected, log)
		}
	}
	return selected
}
