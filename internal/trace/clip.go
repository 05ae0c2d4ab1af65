// Package trace reconstructs orchestration-step executions from raw
// telemetry. A log record carries an ordered sequence of clips, each tagged
// with a kind discriminator and an untyped payload; interpreters translate
// recognized clip shapes into TraceStep fields, unrecognized kinds are
// skipped so newer telemetry schemas keep parsing.
package trace

import "github.com/kwilcz/traceflow/internal/domain"

// Clip kind discriminators. The source telemetry tags every clip with one of
// these; anything else is ignored.
const (
	ClipHeaders             = "Headers"
	ClipOrchestrationAction = "OrchestrationManagerAction"
	ClipOrchestrationResult = "OrchestrationManagerResult"
	ClipPredicate           = "Predicate"
	ClipPredicateResult     = "PredicateResult"
	ClipAction              = "Action"
	ClipHandlerResult       = "HandlerResult"
	ClipTransition          = "Transition"
	ClipRecorder            = "RecorderRecord"
	ClipException           = "Exception"
)

// Recorder record kinds nested inside a RecorderRecord clip's Records list.
const (
	recordInitiatingClaimsExchange = "InitiatingClaimsExchange"
	recordValidation               = "Validation"
	recordClaimMapping             = "MappingFromPartnerClaimType"
	recordVerification             = "Verification"
	recordProviderSelection        = "ClaimsProviderSelection"
)

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

// payloadInt tolerates the numeric shapes JSON decoding produces.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n := 0
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + int(r-'0')
		}
		if v == "" {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func payloadMap(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

// payloadRecords reads the nested Records list carried by predicate-result
// and recorder clips.
func payloadRecords(payload map[string]any) []map[string]any {
	raw, _ := payload["Records"].([]any)
	records := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records
}

// stepBoundary reports whether a clip opens a new orchestration step and the
// step order it carries.
func stepBoundary(clip domain.Clip) (int, bool) {
	if clip.Kind != ClipOrchestrationResult {
		return 0, false
	}
	return payloadInt(clip.Payload, "CurrentStep")
}
