package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kwilcz/traceflow/internal/domain"
)

var (
	ErrNoFiles             = errors.New("no policy files provided")
	ErrAllFilesInvalid     = errors.New("every policy file failed to parse")
	ErrMissingBase         = errors.New("base policy not among provided files")
	ErrCycleDetected       = errors.New("base policy references form a cycle")
	ErrUnresolvedReference = errors.New("unresolved technical profile reference")
)

// Processor consolidates a multi-file policy set into a single merged view.
// A Processor carries no state between calls; every ProcessFiles invocation
// produces a complete, independent result.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// elementEntry remembers the most-derived raw element for an entity id so the
// consolidated document can be reassembled without re-parsing.
type elementEntry struct {
	tag  string
	elem map[string]any
	raw  string
}

type elementIndex map[domain.EntityKind]map[string]elementEntry

func (ei elementIndex) put(kind domain.EntityKind, id, tag string, elem map[string]any, raw string) {
	byID, ok := ei[kind]
	if !ok {
		byID = make(map[string]elementEntry)
		ei[kind] = byID
	}
	// Technical profiles layer across files instead of replacing wholesale,
	// so the consolidated fragment keeps everything a derived file did not
	// restate. Every other element kind is overridden by the deeper file.
	if existing, ok := byID[id]; ok && kind == domain.KindTechnicalProfile {
		elem = mergeTechnicalProfileElems(existing.elem, elem)
		raw = renderElement(tag, elem)
	}
	byID[id] = elementEntry{tag: tag, elem: elem, raw: raw}
}

// technicalProfileListSections are the child lists that merge per entry when
// a derived file redefines a technical profile; entries sharing the key
// attribute are replaced, the rest pass through from the base definition.
var technicalProfileListSections = map[string]struct{ tag, key string }{
	"Metadata":        {"Item", "Key"},
	"InputClaims":     {"InputClaim", "ClaimTypeReferenceId"},
	"DisplayClaims":   {"DisplayClaim", "ClaimTypeReferenceId"},
	"PersistedClaims": {"PersistedClaim", "ClaimTypeReferenceId"},
	"OutputClaims":    {"OutputClaim", "ClaimTypeReferenceId"},
}

func mergeTechnicalProfileElems(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		if section, ok := technicalProfileListSections[k]; ok {
			merged[k] = mergeElemList(child(base, k), v, section.tag, section.key)
			continue
		}
		merged[k] = v
	}
	return merged
}

// mergeElemList overlays a wrapper's children on the base wrapper's: children
// sharing the key attribute are replaced in place, new ones are appended.
func mergeElemList(baseWrap map[string]any, overlayRaw any, tag, key string) any {
	overlayWrap, ok := overlayRaw.(map[string]any)
	if !ok || baseWrap == nil {
		return overlayRaw
	}
	children := append([]any(nil), asSlice(baseWrap[tag])...)
	for _, rawChild := range asSlice(overlayWrap[tag]) {
		oc, ok := rawChild.(map[string]any)
		if !ok {
			children = append(children, rawChild)
			continue
		}
		replaced := false
		for i, rawBase := range children {
			bc, ok := rawBase.(map[string]any)
			if !ok || attr(bc, key) != attr(oc, key) {
				continue
			}
			children[i] = oc
			replaced = true
			break
		}
		if !replaced {
			children = append(children, oc)
		}
	}
	merged := make(map[string]any, len(overlayWrap))
	for k, v := range overlayWrap {
		merged[k] = v
	}
	merged[tag] = children
	return merged
}

// providerIndex remembers which claims provider first declared each technical
// profile, so consolidated providers can be reassembled with each merged
// profile element in its original home exactly once.
type providerIndex struct {
	owner   map[string]string
	byOwner map[string][]string
}

func newProviderIndex() *providerIndex {
	return &providerIndex{owner: make(map[string]string), byOwner: make(map[string][]string)}
}

func (pi *providerIndex) claim(providerID, profileID string) {
	if profileID == "" {
		return
	}
	if _, ok := pi.owner[profileID]; ok {
		return
	}
	pi.owner[profileID] = providerID
	pi.byOwner[providerID] = append(pi.byOwner[providerID], profileID)
}

func (ei elementIndex) sortedIDs(kind domain.EntityKind) []string {
	ids := make([]string, 0, len(ei[kind]))
	for id := range ei[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type journeyRef struct {
	id    string
	elem  map[string]any
	depth int
}

// ProcessFiles ingests a policy file set and resolves Azure B2C's inheritance
// model into a consolidated entity catalog, a renderable graph, and a single
// merged XML document. File-level validation failures are collected as
// warnings; inheritance failures (unknown base, cyclic bases, unresolvable
// includes) are fatal because graph correctness cannot be guaranteed past
// them.
func (p *Processor) ProcessFiles(files []domain.PolicyFile) (*domain.UploadResponse, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	var (
		docs     []*Document
		warnings []domain.ValidationError
	)
	for _, f := range files {
		doc, err := Parse(f.Content, f.Name)
		if err != nil {
			warnings = append(warnings, domain.ValidationError{Message: err.Error(), Severity: "error", FileName: f.Name})
			continue
		}
		result := Validate(doc, f.Name)
		warnings = append(warnings, result.Errors...)
		if doc.Root() == nil {
			// Already reported by Validate; the file cannot contribute entities.
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %d file(s) rejected", ErrAllFilesInvalid, len(files))
	}

	ordered, err := orderByInheritance(docs)
	if err != nil {
		return nil, err
	}

	entities := make(domain.PolicyEntities)
	elems := make(elementIndex)
	providers := newProviderIndex()
	var journeys, subJourneys []journeyRef
	for depth, doc := range ordered {
		j, sj := collectEntities(doc, depth, entities, elems, providers)
		journeys = append(journeys, j...)
		subJourneys = append(subJourneys, sj...)
	}

	if err := resolveIncludes(entities); err != nil {
		return nil, err
	}
	consolidateProviderElems(elems, providers)
	synthesizeConsolidated(entities, elems)

	journeyID, journeyElem := selectJourney(ordered, journeys)
	graph := domain.PolicyGraph{}
	if journeyElem != nil {
		graph = buildGraph(journeyID, journeyElem, effectiveJourneyElems(subJourneys), entities)
	}

	return &domain.UploadResponse{
		ConsolidatedXML: buildConsolidatedXML(ordered[len(ordered)-1], elems),
		Entities:        entities,
		Graph:           graph,
		Warnings:        warnings,
	}, nil
}

// orderByInheritance sorts documents base-first: a policy naming another via
// BasePolicy is placed after it. Kahn-style peeling; anything left over is
// either an unknown base or a cycle.
func orderByInheritance(docs []*Document) ([]*Document, error) {
	byPolicyID := make(map[string]*Document, len(docs))
	for _, d := range docs {
		byPolicyID[d.PolicyID()] = d
	}

	placed := make(map[string]bool, len(docs))
	ordered := make([]*Document, 0, len(docs))
	remaining := append([]*Document(nil), docs...)

	for len(remaining) > 0 {
		progress := false
		next := remaining[:0]
		for _, d := range remaining {
			base := d.BasePolicyID()
			if base == "" || placed[base] {
				ordered = append(ordered, d)
				placed[d.PolicyID()] = true
				progress = true
				continue
			}
			if _, known := byPolicyID[base]; !known {
				return nil, fmt.Errorf("%w: %s requires %s", ErrMissingBase, d.PolicyID(), base)
			}
			next = append(next, d)
		}
		remaining = next
		if !progress {
			ids := make([]string, 0, len(remaining))
			for _, d := range remaining {
				ids = append(ids, d.PolicyID())
			}
			sort.Strings(ids)
			return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(ids, ", "))
		}
	}
	return ordered, nil
}

func collectEntities(doc *Document, depth int, entities domain.PolicyEntities, elems elementIndex, providers *providerIndex) (journeys, subJourneys []journeyRef) {
	root := doc.Root()
	buildingBlocks := child(root, "BuildingBlocks")

	if schema := child(buildingBlocks, "ClaimsSchema"); schema != nil {
		for _, raw := range asSlice(schema["ClaimType"]) {
			elem, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			appendEntity(doc, depth, entities, elems, domain.KindClaimType, "ClaimType",
				attr(elem, "Id"), "/TrustFrameworkPolicy/BuildingBlocks/ClaimsSchema", elem, nil)
		}
	}
	if transforms := child(buildingBlocks, "ClaimsTransformations"); transforms != nil {
		for _, raw := range asSlice(transforms["ClaimsTransformation"]) {
			elem, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			appendEntity(doc, depth, entities, elems, domain.KindClaimsTransformation, "ClaimsTransformation",
				attr(elem, "Id"), "/TrustFrameworkPolicy/BuildingBlocks/ClaimsTransformations", elem, nil)
		}
	}
	if controls := child(buildingBlocks, "DisplayControls"); controls != nil {
		for _, raw := range asSlice(controls["DisplayControl"]) {
			elem, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			appendEntity(doc, depth, entities, elems, domain.KindDisplayControl, "DisplayControl",
				attr(elem, "Id"), "/TrustFrameworkPolicy/BuildingBlocks/DisplayControls", elem, nil)
		}
	}

	if providersElem := child(root, "ClaimsProviders"); providersElem != nil {
		for i, raw := range asSlice(providersElem["ClaimsProvider"]) {
			provider, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			providerID := text(provider["DisplayName"])
			if providerID == "" {
				providerID = fmt.Sprintf("ClaimsProvider-%d", i+1)
			}
			appendEntity(doc, depth, entities, elems, domain.KindClaimsProvider, "ClaimsProvider",
				providerID, "/TrustFrameworkPolicy/ClaimsProviders", provider, nil)

			profiles := child(provider, "TechnicalProfiles")
			for _, rawProfile := range asSlice(profiles["TechnicalProfile"]) {
				elem, ok := rawProfile.(map[string]any)
				if !ok {
					continue
				}
				data := parseTechnicalProfile(elem)
				xpathBase := fmt.Sprintf("/TrustFrameworkPolicy/ClaimsProviders/ClaimsProvider[DisplayName='%s']/TechnicalProfiles", providerID)
				appendEntity(doc, depth, entities, elems, domain.KindTechnicalProfile, "TechnicalProfile",
					attr(elem, "Id"), xpathBase, elem, data)
				providers.claim(providerID, attr(elem, "Id"))
			}
		}
	}

	for wrapper, def := range map[string]struct {
		elem string
		kind domain.EntityKind
	}{
		"UserJourneys": {"UserJourney", domain.KindUserJourney},
		"SubJourneys":  {"SubJourney", domain.KindSubJourney},
	} {
		section := child(root, wrapper)
		if section == nil {
			continue
		}
		for _, raw := range asSlice(section[def.elem]) {
			elem, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id := attr(elem, "Id")
			appendEntity(doc, depth, entities, elems, def.kind, def.elem,
				id, "/TrustFrameworkPolicy/"+wrapper, elem, nil)
			ref := journeyRef{id: id, elem: elem, depth: depth}
			if def.kind == domain.KindUserJourney {
				journeys = append(journeys, ref)
			} else {
				subJourneys = append(subJourneys, ref)
			}
		}
	}
	return journeys, subJourneys
}

func appendEntity(doc *Document, depth int, entities domain.PolicyEntities, elems elementIndex,
	kind domain.EntityKind, tag, id, xpathBase string, elem map[string]any, profile *domain.TechnicalProfileData) {
	if id == "" {
		// Validation already flagged the missing Id; an anonymous entity
		// cannot participate in inheritance.
		return
	}
	raw := renderElement(tag, elem)
	entities.Append(&domain.Entity{
		ID:             id,
		Kind:           kind,
		SourceFile:     doc.FileName,
		SourcePolicyID: doc.PolicyID(),
		XPath:          fmt.Sprintf("%s/%s[@Id='%s']", xpathBase, tag, id),
		HierarchyDepth: depth,
		RawXML:         raw,
		Profile:        profile,
	})
	elems.put(kind, id, tag, elem, raw)
}

func parseTechnicalProfile(elem map[string]any) *domain.TechnicalProfileData {
	data := &domain.TechnicalProfileData{}
	if protocol := child(elem, "Protocol"); protocol != nil {
		data.Protocol = attr(protocol, "Name")
		data.ProtocolHandler = attr(protocol, "Handler")
	}
	if metadata := child(elem, "Metadata"); metadata != nil {
		for _, raw := range asSlice(metadata["Item"]) {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if key := attr(item, "Key"); key != "" {
				if data.Metadata == nil {
					data.Metadata = make(map[string]string)
				}
				data.Metadata[key] = text(item[textKey])
			}
		}
	}
	data.InputClaims = parseClaimList(elem, "InputClaims", "InputClaim")
	data.DisplayClaims = parseClaimList(elem, "DisplayClaims", "DisplayClaim")
	data.PersistedClaims = parseClaimList(elem, "PersistedClaims", "PersistedClaim")
	data.OutputClaims = parseClaimList(elem, "OutputClaims", "OutputClaim")
	data.InputTransformations = parseTransformationList(elem, "InputClaimsTransformations", "InputClaimsTransformation")
	data.OutputTransformations = parseTransformationList(elem, "OutputClaimsTransformations", "OutputClaimsTransformation")
	if include := child(elem, "IncludeTechnicalProfile"); include != nil {
		data.IncludeTechnicalProfile = attr(include, "ReferenceId")
	}
	return data
}

func parseClaimList(elem map[string]any, wrapper, tag string) []domain.ClaimReference {
	section := child(elem, wrapper)
	if section == nil {
		return nil
	}
	var refs []domain.ClaimReference
	for _, raw := range asSlice(section[tag]) {
		claim, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		refs = append(refs, domain.ClaimReference{
			ClaimTypeReferenceID: attr(claim, "ClaimTypeReferenceId"),
			PartnerClaimType:     attr(claim, "PartnerClaimType"),
			DefaultValue:         attr(claim, "DefaultValue"),
			Required:             strings.EqualFold(attr(claim, "Required"), "true"),
		})
	}
	return refs
}

func parseTransformationList(elem map[string]any, wrapper, tag string) []string {
	section := child(elem, wrapper)
	if section == nil {
		return nil
	}
	var ids []string
	for _, raw := range asSlice(section[tag]) {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id := attr(t, "ReferenceId"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// resolveIncludes walks IncludeTechnicalProfile references transitively for
// every technical profile version. A profile may only include one defined at
// an equal-or-lower hierarchy depth; forward or unknown references are fatal.
func resolveIncludes(entities domain.PolicyEntities) error {
	for _, versions := range entities[domain.KindTechnicalProfile] {
		for _, version := range versions {
			chain, err := includeChain(version, entities)
			if err != nil {
				return err
			}
			version.Profile.InheritanceChain = chain
		}
	}
	return nil
}

func includeChain(tp *domain.Entity, entities domain.PolicyEntities) ([]domain.InheritanceLink, error) {
	var chain []domain.InheritanceLink
	visited := map[string]bool{tp.ID: true}
	current := tp
	inheritance := domain.InheritanceDirect
	for current.Profile != nil && current.Profile.IncludeTechnicalProfile != "" {
		parentID := current.Profile.IncludeTechnicalProfile
		if visited[parentID] {
			return nil, fmt.Errorf("%w: include cycle at %s", ErrUnresolvedReference, parentID)
		}
		parent := versionAtOrBelow(entities, parentID, tp.HierarchyDepth)
		if parent == nil {
			return nil, fmt.Errorf("%w: %s includes %s, which is not defined at depth <= %d",
				ErrUnresolvedReference, current.ID, parentID, tp.HierarchyDepth)
		}
		chain = append(chain, domain.InheritanceLink{
			ProfileID:       parent.ID,
			PolicyID:        parent.SourcePolicyID,
			FileName:        parent.SourceFile,
			InheritanceType: inheritance,
		})
		visited[parentID] = true
		current = parent
		inheritance = domain.InheritanceInclude
	}
	return chain, nil
}

// versionAtOrBelow returns the deepest version of a technical profile whose
// hierarchy depth does not exceed maxDepth.
func versionAtOrBelow(entities domain.PolicyEntities, id string, maxDepth int) *domain.Entity {
	var found *domain.Entity
	for _, v := range entities.Versions(domain.KindTechnicalProfile, id) {
		if v.SourceFile == domain.ConsolidatedFileName || v.HierarchyDepth > maxDepth {
			continue
		}
		if found == nil || v.HierarchyDepth > found.HierarchyDepth {
			found = v
		}
	}
	return found
}

// synthesizeConsolidated appends the merged effective view of every entity id
// as an extra version tagged with the consolidated sentinel file name. The
// consolidated version is authoritative for the whole inheritance chain, so
// its raw fragment is the layered element rather than the deepest file's.
func synthesizeConsolidated(entities domain.PolicyEntities, elems elementIndex) {
	for kind, byID := range entities {
		for id := range byID {
			effective := entities.Effective(kind, id)
			if effective == nil {
				continue
			}
			merged := *effective
			merged.SourceFile = domain.ConsolidatedFileName
			if entry, ok := elems[kind][id]; ok {
				merged.RawXML = entry.raw
			}
			if kind == domain.KindTechnicalProfile && effective.Profile != nil {
				merged.Profile = mergeProfileChain(effective, entities)
			}
			entities.Append(&merged)
		}
	}
}

// consolidateProviderElems rewrites each claims provider fragment so it
// carries the merged technical profile elements it originally introduced.
// A profile a derived file restates under a different provider stays with
// its first provider, keeping every id to a single consolidated element.
func consolidateProviderElems(elems elementIndex, providers *providerIndex) {
	for id, entry := range elems[domain.KindClaimsProvider] {
		provider := make(map[string]any, len(entry.elem))
		for k, v := range entry.elem {
			provider[k] = v
		}
		delete(provider, "TechnicalProfiles")
		if owned := providers.byOwner[id]; len(owned) > 0 {
			profiles := make([]any, 0, len(owned))
			for _, profileID := range owned {
				if tp, ok := elems[domain.KindTechnicalProfile][profileID]; ok {
					profiles = append(profiles, tp.elem)
				}
			}
			provider["TechnicalProfiles"] = map[string]any{"TechnicalProfile": profiles}
		}
		elems.put(domain.KindClaimsProvider, id, entry.tag, provider, renderElement(entry.tag, provider))
	}
}

// mergeProfileChain folds a technical profile's full inheritance into one
// effective profile: include-chain ancestors first, then the id's own
// per-file versions base to derived, so each later layer overrides the ones
// before it. Claim lists merge with the child overriding the parent by
// claimTypeReferenceId, metadata merges key-wise child-over-parent.
func mergeProfileChain(tp *domain.Entity, entities domain.PolicyEntities) *domain.TechnicalProfileData {
	include := tp.Profile.IncludeTechnicalProfile
	chain := tp.Profile.InheritanceChain
	if include == "" {
		// A derived file may restate the profile without the include; the
		// base version's include still applies to the merged view.
		for _, v := range entities.Versions(domain.KindTechnicalProfile, tp.ID) {
			if v.SourceFile == domain.ConsolidatedFileName || v.HierarchyDepth > tp.HierarchyDepth || v.Profile == nil {
				continue
			}
			if v.Profile.IncludeTechnicalProfile != "" {
				include = v.Profile.IncludeTechnicalProfile
				chain = v.Profile.InheritanceChain
			}
		}
	}

	merged := &domain.TechnicalProfileData{
		IncludeTechnicalProfile: include,
		InheritanceChain:        chain,
	}
	for _, layer := range profileLayers(entities, tp.ID, tp.HierarchyDepth, map[string]bool{}) {
		if layer.Protocol != "" {
			merged.Protocol = layer.Protocol
		}
		if layer.ProtocolHandler != "" {
			merged.ProtocolHandler = layer.ProtocolHandler
		}
		for key, value := range layer.Metadata {
			if merged.Metadata == nil {
				merged.Metadata = make(map[string]string)
			}
			merged.Metadata[key] = value
		}
		merged.InputClaims = mergeClaims(merged.InputClaims, layer.InputClaims)
		merged.DisplayClaims = mergeClaims(merged.DisplayClaims, layer.DisplayClaims)
		merged.PersistedClaims = mergeClaims(merged.PersistedClaims, layer.PersistedClaims)
		merged.OutputClaims = mergeClaims(merged.OutputClaims, layer.OutputClaims)
		if len(layer.InputTransformations) > 0 {
			merged.InputTransformations = layer.InputTransformations
		}
		if len(layer.OutputTransformations) > 0 {
			merged.OutputTransformations = layer.OutputTransformations
		}
	}
	return merged
}

// profileLayers returns the merge layers for a profile id, base-most first:
// the layers of its effective include target, then the id's own per-file
// versions in hierarchy order. visited guards against include cycles, which
// resolveIncludes has already rejected.
func profileLayers(entities domain.PolicyEntities, id string, maxDepth int, visited map[string]bool) []*domain.TechnicalProfileData {
	if visited[id] {
		return nil
	}
	visited[id] = true

	var direct []*domain.TechnicalProfileData
	include := ""
	for _, v := range entities.Versions(domain.KindTechnicalProfile, id) {
		if v.SourceFile == domain.ConsolidatedFileName || v.HierarchyDepth > maxDepth || v.Profile == nil {
			continue
		}
		direct = append(direct, v.Profile)
		if v.Profile.IncludeTechnicalProfile != "" {
			include = v.Profile.IncludeTechnicalProfile
		}
	}

	var layers []*domain.TechnicalProfileData
	if include != "" {
		layers = profileLayers(entities, include, maxDepth, visited)
	}
	return append(layers, direct...)
}

// mergeClaims overlays child claim references on the parent list: claims
// sharing a claimTypeReferenceId are replaced in place, new child claims are
// appended, untouched parent claims pass through unchanged.
func mergeClaims(parent, child []domain.ClaimReference) []domain.ClaimReference {
	if len(parent) == 0 {
		return append([]domain.ClaimReference(nil), child...)
	}
	merged := append([]domain.ClaimReference(nil), parent...)
	for _, c := range child {
		replaced := false
		for i := range merged {
			if merged[i].ClaimTypeReferenceID == c.ClaimTypeReferenceID {
				merged[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, c)
		}
	}
	return merged
}

// selectJourney picks the journey the graph is built from: the relying
// party's DefaultUserJourney when one is declared, otherwise the first
// journey of the most-derived file that defines any.
func selectJourney(ordered []*Document, journeys []journeyRef) (string, map[string]any) {
	var wanted string
	for i := len(ordered) - 1; i >= 0; i-- {
		rp := child(ordered[i].Root(), "RelyingParty")
		if rp == nil {
			continue
		}
		if def := child(rp, "DefaultUserJourney"); def != nil {
			wanted = attr(def, "ReferenceId")
			break
		}
	}
	if wanted == "" {
		maxDepth := -1
		for _, j := range journeys {
			if j.depth > maxDepth {
				maxDepth = j.depth
				wanted = j.id
			}
		}
	}
	// Deepest definition of the chosen journey wins.
	var selected map[string]any
	for _, j := range journeys {
		if j.id == wanted {
			selected = j.elem
		}
	}
	return wanted, selected
}

func effectiveJourneyElems(refs []journeyRef) map[string]map[string]any {
	out := make(map[string]map[string]any, len(refs))
	for _, r := range refs {
		out[r.id] = r.elem
	}
	return out
}
