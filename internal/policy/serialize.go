package policy

import (
	"fmt"
	"strings"

	"github.com/kwilcz/traceflow/internal/domain"
)

const policyNamespace = "http://schemas.microsoft.com/online/cpim/schemas/2013/06"

// buildConsolidatedXML reassembles the effective entity set into one policy
// document. Entities are emitted in sorted id order inside each section, so
// the output is stable across runs and re-consolidating it is a no-op.
func buildConsolidatedXML(mostDerived *Document, elems elementIndex) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<TrustFrameworkPolicy xmlns="%s" PolicySchemaVersion="0.3.0.0" TenantId="%s" PolicyId="%s">`,
		policyNamespace, mostDerived.TenantID(), mostDerived.PolicyID())
	b.WriteString("\n")

	hasBlocks := len(elems[domain.KindClaimType]) > 0 ||
		len(elems[domain.KindClaimsTransformation]) > 0 ||
		len(elems[domain.KindDisplayControl]) > 0
	if hasBlocks {
		b.WriteString("  <BuildingBlocks>\n")
		writeSection(&b, elems, domain.KindClaimType, "ClaimsSchema", "    ")
		writeSection(&b, elems, domain.KindClaimsTransformation, "ClaimsTransformations", "    ")
		writeSection(&b, elems, domain.KindDisplayControl, "DisplayControls", "    ")
		b.WriteString("  </BuildingBlocks>\n")
	}

	writeSection(&b, elems, domain.KindClaimsProvider, "ClaimsProviders", "  ")
	writeSection(&b, elems, domain.KindUserJourney, "UserJourneys", "  ")
	writeSection(&b, elems, domain.KindSubJourney, "SubJourneys", "  ")

	b.WriteString("</TrustFrameworkPolicy>\n")
	return b.String()
}

func writeSection(b *strings.Builder, elems elementIndex, kind domain.EntityKind, wrapper, indent string) {
	ids := elems.sortedIDs(kind)
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(b, "%s<%s>\n", indent, wrapper)
	for _, id := range ids {
		writeIndented(b, elems[kind][id].raw, indent+"  ")
	}
	fmt.Fprintf(b, "%s</%s>\n", indent, wrapper)
}

func writeIndented(b *strings.Builder, raw, indent string) {
	for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		if line == "" {
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
