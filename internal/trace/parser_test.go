package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kwilcz/traceflow/internal/domain"
)

func boundaryClip(order int) domain.Clip {
	return domain.Clip{Kind: ClipOrchestrationResult, Payload: map[string]any{"CurrentStep": float64(order)}}
}

func headersClip(eventType string) domain.Clip {
	return domain.Clip{Kind: ClipHeaders, Payload: map[string]any{"EventInstance": "Event:" + eventType}}
}

func serviceCallPredicateClips() []domain.Clip {
	return []domain.Clip{
		{Kind: ClipPredicate, Payload: map[string]any{"PredicateType": "IsClaimsExchangeProtocolAServiceCallHandler"}},
		{Kind: ClipPredicateResult, Payload: map[string]any{
			"PredicateType": "IsClaimsExchangeProtocolAServiceCallHandler",
			"Result":        true,
			"Records": []any{
				map[string]any{
					"Kind": "InitiatingClaimsExchange",
					"Content": map[string]any{
						"ProviderType":       "RestfulProvider",
						"TechnicalProfileId": "REST-GetProfile",
					},
				},
			},
		}},
	}
}

func TestParseTraceServiceCallPredicate(t *testing.T) {
	clips := append([]domain.Clip{boundaryClip(1), headersClip("AUTH")}, serviceCallPredicateClips()...)
	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1", PolicyID: "B2C_1A_SignIn",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips:     clips,
	}})

	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 1)

	step := result.TraceSteps[0]
	require.Equal(t, "AUTH", step.EventType)
	require.Len(t, step.TechnicalProfileDetails, 1)
	require.Equal(t, "RestfulProvider", step.TechnicalProfileDetails[0].ProviderType)
	require.Equal(t, "REST-GetProfile", step.TechnicalProfileDetails[0].ID)
}

func TestParseTraceStepBoundariesAndDurations(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	logs := []domain.LogRecord{
		{
			ID: "log-1", CorrelationID: "corr-1", Timestamp: base,
			Clips: []domain.Clip{boundaryClip(1), headersClip("AUTH")},
		},
		{
			ID: "log-2", CorrelationID: "corr-1", Timestamp: base.Add(5 * time.Second),
			Clips: []domain.Clip{
				boundaryClip(2),
				{Kind: ClipTransition, Payload: map[string]any{"EventName": "Continue", "StateName": "SendClaims"}},
			},
		},
	}

	result := ParseTrace(logs)
	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 2)

	first, second := result.TraceSteps[0], result.TraceSteps[1]
	require.Equal(t, 1, first.Order)
	require.Equal(t, "step-1", first.NodeID)
	require.Equal(t, 2, second.Order)

	require.NotNil(t, first.Duration)
	require.Equal(t, 5*time.Second, *first.Duration)
	require.Nil(t, second.Duration)

	require.NotNil(t, second.InteractionResult)
	require.True(t, second.InteractionResult.Success)

	require.Equal(t, []int{0}, result.ExecutionMap["step-1"])
	require.Equal(t, []int{1}, result.ExecutionMap["step-2"])
}

// A node revisited across correlation groups accumulates every execution.
func TestParseTraceExecutionMapAcrossGroups(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	logs := []domain.LogRecord{
		{ID: "log-a", CorrelationID: "corr-a", Timestamp: base, Clips: []domain.Clip{boundaryClip(1)}},
		{ID: "log-b", CorrelationID: "corr-b", Timestamp: base.Add(time.Minute), Clips: []domain.Clip{boundaryClip(1)}},
	}

	result := ParseTrace(logs)
	require.Len(t, result.TraceSteps, 2)
	require.Equal(t, []int{0, 1}, result.ExecutionMap["step-1"])
}

func TestParseTraceMalformedClipCollected(t *testing.T) {
	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips: []domain.Clip{
			boundaryClip(1),
			{Kind: ClipHeaders, Payload: map[string]any{}},
			headersClip("AUTH"),
		},
	}})

	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "EventInstance")
	// The step is still built and later clips still apply.
	require.Len(t, result.TraceSteps, 1)
	require.Equal(t, "AUTH", result.TraceSteps[0].EventType)
}

func TestParseTraceSkipsUnrecognizedClips(t *testing.T) {
	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips: []domain.Clip{
			boundaryClip(1),
			{Kind: "SomeFutureTelemetryShape", Payload: map[string]any{"Anything": "goes"}},
		},
	}})

	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 1)
}

func TestParseTraceBackendAPICall(t *testing.T) {
	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips: []domain.Clip{
			boundaryClip(1),
			{Kind: ClipAction, Payload: map[string]any{"Handler": "RestfulProviderHandler"}},
			{Kind: ClipHandlerResult, Payload: map[string]any{
				"Statebag": map[string]any{
					"PROT": map[string]any{
						"RequestUri": "https://api.contoso.com/profile",
						"StatusCode": float64(200),
						"Response":   `{"city":"Vilnius"}`,
					},
				},
			}},
		},
	}})

	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 1)
	calls := result.TraceSteps[0].BackendAPICalls
	require.Len(t, calls, 1)
	require.Equal(t, "https://api.contoso.com/profile", calls[0].RequestURI)
	require.Equal(t, 200, calls[0].StatusCode)
}

func TestParseTraceValidationTechnicalProfiles(t *testing.T) {
	recorder := domain.Clip{Kind: ClipRecorder, Payload: map[string]any{
		"Records": []any{
			map[string]any{
				"Kind": "Validation",
				"Content": map[string]any{
					"Values": []any{
						map[string]any{"ValidationTechnicalProfile": map[string]any{"TechnicalProfileId": "login-NonInteractive"}},
						map[string]any{"ValidationTechnicalProfile": map[string]any{"TechnicalProfileId": "REST-CheckStatus"}},
						map[string]any{"Unrelated": "entry"},
					},
				},
			},
			map[string]any{
				"Kind":    "MappingFromPartnerClaimType",
				"Content": map[string]any{"PartnerClaimType": "given_name", "PolicyClaimType": "givenName"},
			},
		},
	}}

	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips:     []domain.Clip{boundaryClip(1), recorder},
	}})

	require.Empty(t, result.Errors)
	step := result.TraceSteps[0]
	require.Equal(t, []string{"login-NonInteractive", "REST-CheckStatus"}, step.ValidationTechnicalProfiles)
	require.Equal(t, []domain.ClaimMapping{{PartnerClaimType: "given_name", PolicyClaimType: "givenName"}}, step.ClaimMappings)
}

// An empty validation record is a legal telemetry shape, not an error.
func TestParseTraceValidationRecordWithoutEntries(t *testing.T) {
	recorder := domain.Clip{Kind: ClipRecorder, Payload: map[string]any{
		"Records": []any{
			map[string]any{"Kind": "Validation", "Content": map[string]any{"Values": []any{}}},
		},
	}}

	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips:     []domain.Clip{boundaryClip(1), recorder},
	}})

	require.Empty(t, result.Errors)
	require.Empty(t, result.TraceSteps[0].ValidationTechnicalProfiles)
}

func verificationClip(succeeded bool) domain.Clip {
	return domain.Clip{Kind: ClipRecorder, Payload: map[string]any{
		"Records": []any{
			map[string]any{
				"Kind":    "Verification",
				"Content": map[string]any{"Succeeded": succeeded},
			},
		},
	}}
}

func TestParseTraceVerificationRecords(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	logs := []domain.LogRecord{
		{
			ID: "log-1", CorrelationID: "corr-1", Timestamp: base,
			Clips: []domain.Clip{boundaryClip(1), verificationClip(true)},
		},
		{
			ID: "log-2", CorrelationID: "corr-1", Timestamp: base.Add(time.Second),
			Clips: []domain.Clip{boundaryClip(2), verificationClip(false)},
		},
	}

	result := ParseTrace(logs)
	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 2)

	require.NotNil(t, result.TraceSteps[0].InteractionResult)
	require.True(t, result.TraceSteps[0].InteractionResult.Success)
	require.NotNil(t, result.TraceSteps[1].InteractionResult)
	require.False(t, result.TraceSteps[1].InteractionResult.Success)
}

func TestParseTraceVerificationKeepsTransitionResult(t *testing.T) {
	result := ParseTrace([]domain.LogRecord{{
		ID: "log-1", CorrelationID: "corr-1",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Clips: []domain.Clip{
			boundaryClip(1),
			{Kind: ClipTransition, Payload: map[string]any{"EventName": "Continue", "StateName": "SendClaims"}},
			verificationClip(false),
		},
	}})

	require.Empty(t, result.Errors)
	require.Len(t, result.TraceSteps, 1)

	// The transition's outcome is authoritative; a later verification
	// record does not overwrite it.
	require.NotNil(t, result.TraceSteps[0].InteractionResult)
	require.True(t, result.TraceSteps[0].InteractionResult.Success)
}

func TestParseTraceHRDResolution(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	selection := domain.Clip{Kind: ClipRecorder, Payload: map[string]any{
		"Records": []any{
			map[string]any{
				"Kind":    "ClaimsProviderSelection",
				"Content": map[string]any{"SelectionId": "FacebookExchange", "TargetClaimsExchange": "Facebook-OAUTH"},
			},
		},
	}}
	invocation := domain.Clip{Kind: ClipPredicateResult, Payload: map[string]any{
		"Result": true,
		"Records": []any{
			map[string]any{
				"Kind":    "InitiatingClaimsExchange",
				"Content": map[string]any{"ProviderType": "OAuth2Provider", "TechnicalProfileId": "Facebook-OAUTH"},
			},
		},
	}}

	logs := []domain.LogRecord{
		{ID: "log-1", CorrelationID: "corr-1", Timestamp: base, Clips: []domain.Clip{boundaryClip(1), selection}},
		{ID: "log-2", CorrelationID: "corr-1", Timestamp: base.Add(2 * time.Second), Clips: []domain.Clip{boundaryClip(2), invocation}},
	}

	result := ParseTrace(logs)
	require.Empty(t, result.Errors)
	require.NotNil(t, result.TraceSteps[0].HRD)
	require.Equal(t, 1, result.TraceSteps[0].HRD.ResolvedStep)
}

func TestParseTraceHRDUnresolvedReportsDuration(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	selection := domain.Clip{Kind: ClipRecorder, Payload: map[string]any{
		"Records": []any{
			map[string]any{
				"Kind":    "ClaimsProviderSelection",
				"Content": map[string]any{"SelectionId": "GoogleExchange", "TargetClaimsExchange": "Google-OAUTH"},
			},
		},
	}}

	logs := []domain.LogRecord{
		{ID: "log-1", CorrelationID: "corr-1", Timestamp: base, Clips: []domain.Clip{boundaryClip(1), selection}},
		{ID: "log-2", CorrelationID: "corr-1", Timestamp: base.Add(3 * time.Second), Clips: []domain.Clip{boundaryClip(2)}},
	}

	result := ParseTrace(logs)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "Google-OAUTH")
	// Durations are computed before HRD resolution, so the diagnostic can
	// report the step's duration.
	require.Contains(t, result.Errors[0], "3s")
}

func TestParseTraceEmptyInput(t *testing.T) {
	result := ParseTrace(nil)
	require.Empty(t, result.TraceSteps)
	require.Empty(t, result.Errors)
	require.Empty(t, result.ExecutionMap)
}
