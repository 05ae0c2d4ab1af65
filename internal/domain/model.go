package domain

import "time"

// ConsolidatedFileName marks the synthetic merged version of an entity. When a
// version with this SourceFile exists it is authoritative for display; the
// per-file versions remain queryable as the inheritance chain.
const ConsolidatedFileName = "Consolidated"

type EntityKind string

const (
	KindClaimType            EntityKind = "claimTypes"
	KindClaimsTransformation EntityKind = "claimsTransformations"
	KindTechnicalProfile     EntityKind = "technicalProfiles"
	KindClaimsProvider       EntityKind = "claimsProviders"
	KindUserJourney          EntityKind = "userJourneys"
	KindSubJourney           EntityKind = "subJourneys"
	KindDisplayControl       EntityKind = "displayControls"
)

// Entity is one version of a trust-framework entity as defined in a single
// policy file. The same ID may appear at several hierarchy depths; the ordered
// version list for an ID is its inheritance chain from base to most-derived.
type Entity struct {
	ID             string                `json:"id"`
	Kind           EntityKind            `json:"entityType"`
	SourceFile     string                `json:"sourceFile"`
	SourcePolicyID string                `json:"sourcePolicyId"`
	XPath          string                `json:"xpath"`
	HierarchyDepth int                   `json:"hierarchyDepth"`
	IsOverride     bool                  `json:"isOverride"`
	RawXML         string                `json:"rawXml"`
	Profile        *TechnicalProfileData `json:"technicalProfile,omitempty"`
}

type InheritanceType string

const (
	// InheritanceDirect marks a parent reached through IncludeTechnicalProfile.
	InheritanceDirect InheritanceType = "Direct"
	// InheritanceInclude marks attribute-only inclusion deeper in the chain.
	InheritanceInclude InheritanceType = "Include"
)

type InheritanceLink struct {
	ProfileID       string          `json:"profileId"`
	PolicyID        string          `json:"policyId"`
	FileName        string          `json:"fileName"`
	InheritanceType InheritanceType `json:"inheritanceType"`
}

// ClaimReference is one entry of a technical profile's input/display/
// persisted/output claim lists.
type ClaimReference struct {
	ClaimTypeReferenceID string `json:"claimTypeReferenceId"`
	PartnerClaimType     string `json:"partnerClaimType,omitempty"`
	DefaultValue         string `json:"defaultValue,omitempty"`
	Required             bool   `json:"required,omitempty"`
}

type TechnicalProfileData struct {
	Protocol                string            `json:"protocol"`
	ProtocolHandler         string            `json:"protocolHandler,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	InputClaims             []ClaimReference  `json:"inputClaims,omitempty"`
	DisplayClaims           []ClaimReference  `json:"displayClaims,omitempty"`
	PersistedClaims         []ClaimReference  `json:"persistedClaims,omitempty"`
	OutputClaims            []ClaimReference  `json:"outputClaims,omitempty"`
	InputTransformations    []string          `json:"inputTransformations,omitempty"`
	OutputTransformations   []string          `json:"outputTransformations,omitempty"`
	IncludeTechnicalProfile string            `json:"includeTechnicalProfile,omitempty"`
	InheritanceChain        []InheritanceLink `json:"inheritanceChain,omitempty"`
}

// PolicyEntities maps entity kind -> entity id -> versions ordered base to
// most-derived. Later policy files append versions, never replace them.
type PolicyEntities map[EntityKind]map[string][]*Entity

func (pe PolicyEntities) Append(e *Entity) {
	byID, ok := pe[e.Kind]
	if !ok {
		byID = make(map[string][]*Entity)
		pe[e.Kind] = byID
	}
	e.IsOverride = len(byID[e.ID]) > 0 && e.SourceFile != ConsolidatedFileName
	byID[e.ID] = append(byID[e.ID], e)
}

func (pe PolicyEntities) Versions(kind EntityKind, id string) []*Entity {
	return pe[kind][id]
}

// Effective returns the authoritative version for display: the consolidated
// version when present, otherwise the deepest per-file version.
func (pe PolicyEntities) Effective(kind EntityKind, id string) *Entity {
	versions := pe[kind][id]
	if len(versions) == 0 {
		return nil
	}
	var deepest *Entity
	for _, v := range versions {
		if v.SourceFile == ConsolidatedFileName {
			return v
		}
		if deepest == nil || v.HierarchyDepth >= deepest.HierarchyDepth {
			deepest = v
		}
	}
	return deepest
}

type NodeType string

const (
	NodeGroup                NodeType = "Group"
	NodeConditioned          NodeType = "Conditioned"
	NodeStart                NodeType = "Start"
	NodeEnd                  NodeType = "End"
	NodeComment              NodeType = "Comment"
	NodeCombinedSignInSignUp NodeType = "CombinedSignInAndSignUp"
	NodeClaimsExchange       NodeType = "ClaimsExchangeNode"
	NodeGetClaims            NodeType = "GetClaimsNode"
)

const (
	EdgeDefault   = "default"
	EdgeCondition = "condition-edge"
)

// ClaimsExchangeRef pairs a claims-exchange id with its resolved technical
// profile, when the profile is known to the consolidated entity set.
type ClaimsExchangeRef struct {
	ID                 string  `json:"id"`
	TechnicalProfileID string  `json:"technicalProfileId"`
	TechnicalProfile   *Entity `json:"technicalProfile,omitempty"`
}

type NodeData struct {
	Label           string              `json:"label"`
	Order           int                 `json:"order,omitempty"`
	StepType        string              `json:"stepType,omitempty"`
	JourneyID       string              `json:"journeyId,omitempty"`
	ClaimsExchanges []ClaimsExchangeRef `json:"claimsExchanges,omitempty"`
	Preconditions   int                 `json:"preconditions,omitempty"`
}

type PolicyNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	ParentID string   `json:"parentId,omitempty"`
	Data     NodeData `json:"data"`
}

type PolicyEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Type         string `json:"type"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

type PolicyGraph struct {
	Nodes []PolicyNode `json:"nodes"`
	Edges []PolicyEdge `json:"edges"`
}

type ValidationError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	FileName string `json:"fileName"`
}

// PolicyFile is one uploaded policy document, already read into memory.
type PolicyFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type UploadResponse struct {
	ConsolidatedXML string            `json:"consolidatedXml"`
	Entities        PolicyEntities    `json:"entities"`
	Graph           PolicyGraph       `json:"graph"`
	Warnings        []ValidationError `json:"warnings,omitempty"`
}

// Clip is one discriminated telemetry record segment within a log entry. The
// payload shape is telemetry-vendor specific and treated as untyped.
type Clip struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type LogRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	PolicyID      string    `json:"policyId"`
	CorrelationID string    `json:"correlationId"`
	Clips         []Clip    `json:"clips"`
}

type TechnicalProfileDetail struct {
	ID           string `json:"id"`
	ProviderType string `json:"providerType,omitempty"`
}

type ClaimMapping struct {
	PartnerClaimType string `json:"partnerClaimType"`
	PolicyClaimType  string `json:"policyClaimType"`
}

type BackendAPICall struct {
	RequestURI string `json:"requestUri"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
}

type InteractionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	HResult string `json:"hresult,omitempty"`
}

// HRDSelection links a ClaimsProviderSelection decision to the technical
// profile invocation it led to at a later step.
type HRDSelection struct {
	SelectionID          string `json:"selectionId"`
	TargetClaimsExchange string `json:"targetClaimsExchange"`
	ResolvedStep         int    `json:"resolvedStep,omitempty"`
}

// TraceStep is one reconstructed orchestration step execution. A step is
// mutated by interpreters while its correlation group is being parsed and
// sealed once the next step boundary is seen; Duration and HRD fields are
// filled only by post-processors.
type TraceStep struct {
	SequenceNumber              int                      `json:"sequenceNumber"`
	Order                       int                      `json:"order"`
	NodeID                      string                   `json:"nodeId"`
	EventType                   string                   `json:"eventType,omitempty"`
	Timestamp                   time.Time                `json:"timestamp"`
	TechnicalProfileDetails     []TechnicalProfileDetail `json:"technicalProfileDetails,omitempty"`
	ValidationTechnicalProfiles []string                 `json:"validationTechnicalProfiles,omitempty"`
	ClaimMappings               []ClaimMapping           `json:"claimMappings,omitempty"`
	BackendAPICalls             []BackendAPICall         `json:"backendApiCalls,omitempty"`
	InteractionResult           *InteractionResult       `json:"interactionResult,omitempty"`
	HRD                         *HRDSelection            `json:"hrdSelection,omitempty"`
	Duration                    *time.Duration           `json:"duration,omitempty"`
}

// TraceParseResult keys ExecutionMap by step sequence number, not slice index,
// so entries stay valid if steps are ever filtered or reordered.
type TraceParseResult struct {
	TraceSteps   []TraceStep      `json:"traceSteps"`
	ExecutionMap map[string][]int `json:"executionMap"`
	Errors       []string         `json:"errors"`
}

// UserFlow aggregates all log records sharing a correlation id. LogIDs are
// back-references; flows never own records.
type UserFlow struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policyId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	StepCount int       `json:"stepCount"`
	Completed bool      `json:"completed"`
	Cancelled bool      `json:"cancelled"`
	HasErrors bool      `json:"hasErrors"`
	LogIDs    []string  `json:"logIds"`
}

// ConsolidationRun is the persisted summary of one consolidation invocation.
type ConsolidationRun struct {
	ID           uint
	RunID        string
	PolicyIDs    string
	FileCount    int
	EntityCount  int
	NodeCount    int
	WarningCount int
	DurationMS   int64
	CreatedAt    time.Time
}

// TraceParseRun is the persisted summary of one trace parse invocation.
type TraceParseRun struct {
	ID         uint
	RunID      string
	PolicyID   string
	LogCount   int
	StepCount  int
	ErrorCount int
	DurationMS int64
	CreatedAt  time.Time
}
