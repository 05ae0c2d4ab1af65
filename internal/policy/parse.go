// Package policy implements the trust-framework consolidation pipeline:
// XML parsing and cardinality normalization, structural validation,
// base-policy ordering, entity versioning with include resolution, graph
// building, and consolidated-XML serialization.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clbanning/mxj/v2"
)

const (
	rootElement = "TrustFrameworkPolicy"
	// attrPrefix is mxj's marker distinguishing attributes from child elements
	// in the parsed tree.
	attrPrefix = "-"
	textKey    = "#text"
)

var ErrEmptyContent = errors.New("policy content is empty")

// Document is one parsed policy file: an attributed key-value tree with
// repeatable journey elements normalized to always-array form.
type Document struct {
	FileName string
	Tree     map[string]any
}

// Parse converts raw policy XML into an attributed object tree and normalizes
// known repeatable elements (UserJourney, SubJourney, OrchestrationStep,
// Precondition, ClaimsExchange, ClaimsProviderSelection) into always-array
// form. The underlying XML-to-map decoding is ambiguous on cardinality (one
// occurrence decodes as a map, several as a slice); downstream consumers
// assume slices, so normalization is part of the parse contract and is
// idempotent.
func Parse(xmlContent, fileName string) (*Document, error) {
	if xmlContent == "" {
		return nil, ErrEmptyContent
	}
	m, err := mxj.NewMapXml([]byte(xmlContent))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	doc := &Document{FileName: fileName, Tree: map[string]any(m)}
	normalizeJourneys(doc.Root())
	return doc, nil
}

// Root returns the children of the TrustFrameworkPolicy element, or nil when
// the root element is absent or malformed.
func (d *Document) Root() map[string]any {
	root, _ := d.Tree[rootElement].(map[string]any)
	return root
}

func (d *Document) PolicyID() string { return attr(d.Root(), "PolicyId") }
func (d *Document) TenantID() string { return attr(d.Root(), "TenantId") }

// BasePolicyID returns the PolicyId of the BasePolicy reference, or "".
func (d *Document) BasePolicyID() string {
	base := child(d.Root(), "BasePolicy")
	if base == nil {
		return ""
	}
	if id := text(base["PolicyId"]); id != "" {
		return id
	}
	return attr(base, "PolicyId")
}

func normalizeJourneys(root map[string]any) {
	if root == nil {
		return
	}
	for wrapper, elem := range map[string]string{"UserJourneys": "UserJourney", "SubJourneys": "SubJourney"} {
		section := child(root, wrapper)
		if section == nil {
			continue
		}
		ensureSlice(section, elem)
		for _, j := range asSlice(section[elem]) {
			journey, ok := j.(map[string]any)
			if !ok {
				continue
			}
			normalizeSteps(journey)
		}
	}
}

func normalizeSteps(journey map[string]any) {
	steps := child(journey, "OrchestrationSteps")
	if steps == nil {
		return
	}
	ensureSlice(steps, "OrchestrationStep")
	for _, s := range asSlice(steps["OrchestrationStep"]) {
		step, ok := s.(map[string]any)
		if !ok {
			continue
		}
		for wrapper, elem := range map[string]string{
			"Preconditions":            "Precondition",
			"ClaimsExchanges":          "ClaimsExchange",
			"ClaimsProviderSelections": "ClaimsProviderSelection",
		} {
			if section := child(step, wrapper); section != nil {
				ensureSlice(section, elem)
			}
		}
	}
}

// ensureSlice wraps a lone map value into a single-element slice in place.
// Already-array values are left untouched, which makes normalization a no-op
// on its own output.
func ensureSlice(m map[string]any, key string) {
	switch v := m[key].(type) {
	case nil:
	case []any:
	default:
		m[key] = []any{v}
	}
}

// asSlice reads a repeatable element tolerating both the singular-map and
// array representations.
func asSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func child(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := m[key].(map[string]any)
	return c
}

func attr(m map[string]any, name string) string {
	if m == nil {
		return ""
	}
	s, _ := m[attrPrefix+name].(string)
	return s
}

// text extracts element text, tolerating both plain-string elements and
// attributed elements carrying a #text entry.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t[textKey].(string)
		return s
	default:
		return ""
	}
}

// renderElement serializes one element subtree back to indented XML for
// display. Attribute keys keep their prefix on the way in; mxj strips it on
// the way out.
func renderElement(tag string, elem map[string]any) string {
	out, err := mxj.Map(map[string]any{tag: elem}).XmlIndent("", "  ")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
