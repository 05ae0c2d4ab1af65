package trace

import (
	"fmt"
	"strings"

	"github.com/kwilcz/traceflow/internal/domain"
)

// interpreter translates one recognized clip shape into TraceStep fields.
// Recognition is mutually exclusive: every clip kind maps to at most one
// interpreter, and the pipeline applies the first match.
type interpreter interface {
	recognizes(clip domain.Clip) bool
	apply(clip domain.Clip, step *domain.TraceStep) error
}

// interpreters runs in fixed priority order.
var interpreters = []interpreter{
	headersInterpreter{},
	orchestrationInterpreter{},
	predicateInterpreter{},
	actionInterpreter{},
	transitionInterpreter{},
	recorderInterpreter{},
}

// headersInterpreter reads the event marker carried by a headers clip,
// shaped "Event:<TYPE>".
type headersInterpreter struct{}

func (headersInterpreter) recognizes(clip domain.Clip) bool { return clip.Kind == ClipHeaders }

func (headersInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	instance := payloadString(clip.Payload, "EventInstance")
	if instance == "" {
		return fmt.Errorf("headers clip at step %d has no EventInstance", step.Order)
	}
	step.EventType = strings.TrimPrefix(instance, "Event:")
	return nil
}

// orchestrationInterpreter covers the state-machine clips. The result clip's
// step order is consumed by the parser as the step boundary before the
// pipeline runs; apply only restates it so a boundary clip and its step
// always agree.
type orchestrationInterpreter struct{}

func (orchestrationInterpreter) recognizes(clip domain.Clip) bool {
	return clip.Kind == ClipOrchestrationAction || clip.Kind == ClipOrchestrationResult
}

func (orchestrationInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	if order, ok := stepBoundary(clip); ok {
		step.Order = order
		step.NodeID = fmt.Sprintf("step-%d", order)
	}
	return nil
}

// predicateInterpreter extracts the technical profile a service-call
// predicate resolved, carried as an InitiatingClaimsExchange record.
type predicateInterpreter struct{}

func (predicateInterpreter) recognizes(clip domain.Clip) bool {
	return clip.Kind == ClipPredicate || clip.Kind == ClipPredicateResult
}

func (predicateInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	if clip.Kind != ClipPredicateResult {
		return nil
	}
	if !payloadBool(clip.Payload, "Result") {
		return nil
	}
	for _, record := range payloadRecords(clip.Payload) {
		if payloadString(record, "Kind") != recordInitiatingClaimsExchange {
			continue
		}
		content := payloadMap(record, "Content")
		if content == nil {
			return fmt.Errorf("predicate result at step %d: InitiatingClaimsExchange record has no content", step.Order)
		}
		step.TechnicalProfileDetails = append(step.TechnicalProfileDetails, domain.TechnicalProfileDetail{
			ID:           payloadString(content, "TechnicalProfileId"),
			ProviderType: payloadString(content, "ProviderType"),
		})
	}
	return nil
}

// actionInterpreter captures backend API calls: a handler result whose
// statebag carries a PROT entry records the outbound REST request the
// handler made.
type actionInterpreter struct{}

func (actionInterpreter) recognizes(clip domain.Clip) bool {
	return clip.Kind == ClipAction || clip.Kind == ClipHandlerResult
}

func (actionInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	if clip.Kind != ClipHandlerResult {
		return nil
	}
	statebag := payloadMap(clip.Payload, "Statebag")
	if statebag == nil {
		return nil
	}
	prot := payloadMap(statebag, "PROT")
	if prot == nil {
		return nil
	}
	uri := payloadString(prot, "RequestUri")
	if uri == "" {
		return fmt.Errorf("handler result at step %d: PROT statebag has no RequestUri", step.Order)
	}
	status, _ := payloadInt(prot, "StatusCode")
	step.BackendAPICalls = append(step.BackendAPICalls, domain.BackendAPICall{
		RequestURI: uri,
		StatusCode: status,
		Response:   payloadString(prot, "Response"),
	})
	return nil
}

// transitionInterpreter folds state-machine transitions into the step's
// interaction result: Continue succeeds, anything else fails.
type transitionInterpreter struct{}

func (transitionInterpreter) recognizes(clip domain.Clip) bool { return clip.Kind == ClipTransition }

func (transitionInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	event := payloadString(clip.Payload, "EventName")
	if event == "" {
		return fmt.Errorf("transition clip at step %d has no EventName", step.Order)
	}
	step.InteractionResult = &domain.InteractionResult{
		Success: event == "Continue",
		Error:   payloadString(clip.Payload, "Error"),
		HResult: payloadString(clip.Payload, "HResult"),
	}
	return nil
}

// recorderInterpreter unpacks journey-recorder records: validation technical
// profiles, partner claim mappings, verification outcomes, and provider
// selections.
type recorderInterpreter struct{}

func (recorderInterpreter) recognizes(clip domain.Clip) bool { return clip.Kind == ClipRecorder }

func (recorderInterpreter) apply(clip domain.Clip, step *domain.TraceStep) error {
	for _, record := range payloadRecords(clip.Payload) {
		content := payloadMap(record, "Content")
		switch payloadString(record, "Kind") {
		case recordValidation:
			// A validation record may carry zero entries; that is a valid
			// shape, not a malformed clip.
			values, _ := content["Values"].([]any)
			for _, raw := range values {
				value, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				vtp := payloadMap(value, "ValidationTechnicalProfile")
				if vtp == nil {
					continue
				}
				if id := payloadString(vtp, "TechnicalProfileId"); id != "" {
					step.ValidationTechnicalProfiles = append(step.ValidationTechnicalProfiles, id)
				}
			}
		case recordClaimMapping:
			partner := payloadString(content, "PartnerClaimType")
			policy := payloadString(content, "PolicyClaimType")
			if partner == "" || policy == "" {
				return fmt.Errorf("claim mapping record at step %d is missing a claim type", step.Order)
			}
			step.ClaimMappings = append(step.ClaimMappings, domain.ClaimMapping{
				PartnerClaimType: partner,
				PolicyClaimType:  policy,
			})
		case recordVerification:
			if step.InteractionResult == nil {
				step.InteractionResult = &domain.InteractionResult{Success: payloadBool(content, "Succeeded")}
			}
		case recordProviderSelection:
			step.HRD = &domain.HRDSelection{
				SelectionID:          payloadString(content, "SelectionId"),
				TargetClaimsExchange: payloadString(content, "TargetClaimsExchange"),
			}
		}
	}
	return nil
}
