package policy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/kwilcz/traceflow/internal/domain"
)

// stepItem is one orchestration step prepared for edge wiring. entryID is the
// node an incoming edge should target: the condition gate when the step is
// guarded by preconditions, the step node itself otherwise.
type stepItem struct {
	nodeID  string
	entryID string
	condID  string
	order   int
}

// buildGraph renders a user journey as nodes and edges. The journey is
// bracketed by synthetic Start and End nodes; InvokeSubJourney steps expand
// into a Group node holding the sub-journey's own bracketed sequence.
func buildGraph(journeyID string, journey map[string]any, subJourneys map[string]map[string]any, entities domain.PolicyEntities) domain.PolicyGraph {
	g := &graphBuilder{entities: entities, subJourneys: subJourneys}
	g.addNode(domain.PolicyNode{ID: "start", Type: domain.NodeStart, Data: domain.NodeData{Label: "Start", JourneyID: journeyID}})

	items := g.addSteps(journeyID, orderedSteps(journey), "", "")

	prev := "start"
	for i, item := range items {
		if item.condID != "" {
			next := "end"
			if i+1 < len(items) {
				next = items[i+1].entryID
			}
			g.addEdge(prev, item.condID, domain.EdgeDefault, "")
			g.addEdge(item.condID, item.nodeID, domain.EdgeCondition, "true")
			g.addEdge(item.condID, next, domain.EdgeCondition, "false")
		} else {
			g.addEdge(prev, item.entryID, domain.EdgeDefault, "")
		}
		prev = item.nodeID
	}

	g.addNode(domain.PolicyNode{ID: "end", Type: domain.NodeEnd, Data: domain.NodeData{Label: "End", JourneyID: journeyID}})
	g.addEdge(prev, "end", domain.EdgeDefault, "")

	return domain.PolicyGraph{Nodes: g.nodes, Edges: g.edges}
}

type graphBuilder struct {
	entities    domain.PolicyEntities
	subJourneys map[string]map[string]any
	nodes       []domain.PolicyNode
	edges       []domain.PolicyEdge
}

func (g *graphBuilder) addNode(n domain.PolicyNode) {
	g.nodes = append(g.nodes, n)
}

func (g *graphBuilder) addEdge(source, target, edgeType, handle string) {
	g.edges = append(g.edges, domain.PolicyEdge{
		ID:           fmt.Sprintf("e-%s-%s", source, target),
		Source:       source,
		Target:       target,
		Type:         edgeType,
		SourceHandle: handle,
	})
}

// addSteps materializes nodes for a step sequence. parentID is non-empty when
// the steps belong to a sub-journey group; idPrefix shapes the node ids so
// group children read "<group>-Step<n>".
func (g *graphBuilder) addSteps(journeyID string, steps []map[string]any, parentID, idPrefix string) []stepItem {
	var items []stepItem
	for _, step := range steps {
		order, _ := strconv.Atoi(attr(step, "Order"))
		stepType := attr(step, "Type")

		nodeID := "step-" + strconv.Itoa(order)
		if idPrefix != "" {
			nodeID = idPrefix + "-Step" + strconv.Itoa(order)
		}

		item := stepItem{nodeID: nodeID, entryID: nodeID, order: order}
		preconditions := countPreconditions(step)
		// Parent-level preconditions gate group entry too; inside a group the
		// layout stays linear for readability.
		if preconditions > 0 && parentID == "" {
			item.condID = "cond-" + strconv.Itoa(order)
			item.entryID = item.condID
			g.addNode(domain.PolicyNode{
				ID:   item.condID,
				Type: domain.NodeConditioned,
				Data: domain.NodeData{Label: "Preconditions", Order: order, StepType: stepType, JourneyID: journeyID, Preconditions: preconditions},
			})
		}

		if stepType == "InvokeSubJourney" {
			groupID := g.addSubJourney(step, nodeID, journeyID, order, stepType)
			item.nodeID = groupID
			if item.condID == "" {
				item.entryID = groupID
			}
		} else {
			g.addNode(domain.PolicyNode{
				ID:       nodeID,
				Type:     stepNodeType(stepType, step, g.entities),
				ParentID: parentID,
				Data: domain.NodeData{
					Label:           stepLabel(stepType, order),
					Order:           order,
					StepType:        stepType,
					JourneyID:       journeyID,
					ClaimsExchanges: g.resolvedExchangeRefs(step),
				},
			})
		}
		items = append(items, item)
	}
	return items
}

func (g *graphBuilder) addSubJourney(step map[string]any, nodeID, journeyID string, order int, stepType string) string {
	subID := subJourneyReference(step)
	groupID := nodeID
	if subID != "" {
		groupID = subID
	}
	g.addNode(domain.PolicyNode{
		ID:   groupID,
		Type: domain.NodeGroup,
		Data: domain.NodeData{Label: subID, Order: order, StepType: stepType, JourneyID: journeyID},
	})

	sub, ok := g.subJourneys[subID]
	if !ok {
		return groupID
	}

	startID := groupID + "-start"
	endID := groupID + "-end"
	g.addNode(domain.PolicyNode{ID: startID, Type: domain.NodeStart, ParentID: groupID, Data: domain.NodeData{Label: "Start", JourneyID: subID}})
	children := g.addSteps(subID, orderedSteps(sub), groupID, groupID)
	g.addNode(domain.PolicyNode{ID: endID, Type: domain.NodeEnd, ParentID: groupID, Data: domain.NodeData{Label: "End", JourneyID: subID}})

	prev := startID
	for _, c := range children {
		g.addEdge(prev, c.nodeID, domain.EdgeDefault, "")
		prev = c.nodeID
	}
	g.addEdge(prev, endID, domain.EdgeDefault, "")
	return groupID
}

func orderedSteps(journey map[string]any) []map[string]any {
	section := child(journey, "OrchestrationSteps")
	if section == nil {
		return nil
	}
	var steps []map[string]any
	for _, raw := range asSlice(section["OrchestrationStep"]) {
		if step, ok := raw.(map[string]any); ok {
			steps = append(steps, step)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		a, _ := strconv.Atoi(attr(steps[i], "Order"))
		b, _ := strconv.Atoi(attr(steps[j], "Order"))
		return a < b
	})
	return steps
}

func countPreconditions(step map[string]any) int {
	section := child(step, "Preconditions")
	if section == nil {
		return 0
	}
	return len(asSlice(section["Precondition"]))
}

// resolvedExchangeRefs attaches the effective technical profile entity
// to each claims exchange so the rendered node carries its details.
func (g *graphBuilder) resolvedExchangeRefs(step map[string]any) []domain.ClaimsExchangeRef {
	refs := claimsExchangeRefs(step)
	for i := range refs {
		refs[i].TechnicalProfile = g.entities.Effective(domain.KindTechnicalProfile, refs[i].TechnicalProfileID)
	}
	return refs
}

func claimsExchangeRefs(step map[string]any) []domain.ClaimsExchangeRef {
	section := child(step, "ClaimsExchanges")
	if section == nil {
		return nil
	}
	var refs []domain.ClaimsExchangeRef
	for _, raw := range asSlice(section["ClaimsExchange"]) {
		exchange, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		refs = append(refs, domain.ClaimsExchangeRef{
			ID:                 attr(exchange, "Id"),
			TechnicalProfileID: attr(exchange, "TechnicalProfileReferenceId"),
		})
	}
	return refs
}

func subJourneyReference(step map[string]any) string {
	section := child(step, "JourneyList")
	if section == nil {
		return ""
	}
	for _, raw := range asSlice(section["Candidate"]) {
		if candidate, ok := raw.(map[string]any); ok {
			if id := attr(candidate, "SubJourneyReferenceId"); id != "" {
				return id
			}
		}
	}
	return ""
}

// stepNodeType maps an orchestration step to its render shape. A
// ClaimsExchange whose referenced technical profiles are all protocol-less
// utility profiles renders as a claims fetch rather than a full exchange.
func stepNodeType(stepType string, step map[string]any, entities domain.PolicyEntities) domain.NodeType {
	switch stepType {
	case "CombinedSignInAndSignUp":
		return domain.NodeCombinedSignInSignUp
	case "ClaimsExchange":
		refs := claimsExchangeRefs(step)
		if len(refs) == 0 {
			return domain.NodeClaimsExchange
		}
		for _, ref := range refs {
			tp := entities.Effective(domain.KindTechnicalProfile, ref.TechnicalProfileID)
			if tp == nil || tp.Profile == nil {
				return domain.NodeClaimsExchange
			}
			if tp.Profile.Protocol != "" && tp.Profile.Protocol != "None" {
				return domain.NodeClaimsExchange
			}
		}
		return domain.NodeGetClaims
	default:
		if len(claimsExchangeRefs(step)) > 0 {
			return domain.NodeClaimsExchange
		}
		return domain.NodeGetClaims
	}
}

func stepLabel(stepType string, order int) string {
	return fmt.Sprintf("%d: %s", order, stepType)
}
