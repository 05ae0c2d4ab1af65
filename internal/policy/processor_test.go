package policy

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/kwilcz/traceflow/internal/domain"
)

const basePolicyXML = `<TrustFrameworkPolicy xmlns="http://schemas.microsoft.com/online/cpim/schemas/2013/06" PolicySchemaVersion="0.3.0.0" TenantId="contoso.onmicrosoft.com" PolicyId="B2C_1A_TrustFrameworkBase">
  <BuildingBlocks>
    <ClaimsSchema>
      <ClaimType Id="email">
        <DisplayName>Email Address</DisplayName>
        <DataType>string</DataType>
      </ClaimType>
      <ClaimType Id="objectId">
        <DisplayName>User Object Id</DisplayName>
        <DataType>string</DataType>
      </ClaimType>
    </ClaimsSchema>
  </BuildingBlocks>
  <ClaimsProviders>
    <ClaimsProvider>
      <DisplayName>Local Account</DisplayName>
      <TechnicalProfiles>
        <TechnicalProfile Id="SelfAsserted-LocalAccountSignin-Email">
          <DisplayName>Local Account Signin</DisplayName>
          <Protocol Name="Proprietary" Handler="Web.TPEngine.Providers.SelfAssertedAttributeProvider, Web.TPEngine" />
          <OutputClaims>
            <OutputClaim ClaimTypeReferenceId="email" Required="true" />
            <OutputClaim ClaimTypeReferenceId="objectId" />
          </OutputClaims>
        </TechnicalProfile>
        <TechnicalProfile Id="AAD-Common">
          <DisplayName>Azure Active Directory</DisplayName>
          <Metadata>
            <Item Key="ApplicationObjectId">app-object-id</Item>
          </Metadata>
          <OutputClaims>
            <OutputClaim ClaimTypeReferenceId="objectId" Required="true" />
            <OutputClaim ClaimTypeReferenceId="email" PartnerClaimType="signInNames.emailAddress" />
          </OutputClaims>
        </TechnicalProfile>
      </TechnicalProfiles>
    </ClaimsProvider>
    <ClaimsProvider>
      <DisplayName>Token Issuer</DisplayName>
      <TechnicalProfiles>
        <TechnicalProfile Id="JwtIssuer">
          <DisplayName>JWT Issuer</DisplayName>
          <Protocol Name="None" />
        </TechnicalProfile>
      </TechnicalProfiles>
    </ClaimsProvider>
  </ClaimsProviders>
  <UserJourneys>
    <UserJourney Id="SignIn">
      <OrchestrationSteps>
        <OrchestrationStep Order="1" Type="CombinedSignInAndSignUp">
          <ClaimsProviderSelections>
            <ClaimsProviderSelection ValidationClaimsExchangeId="LocalAccountSigninExchange" />
          </ClaimsProviderSelections>
        </OrchestrationStep>
        <OrchestrationStep Order="2" Type="ClaimsExchange">
          <ClaimsExchanges>
            <ClaimsExchange Id="LocalAccountSigninExchange" TechnicalProfileReferenceId="SelfAsserted-LocalAccountSignin-Email" />
          </ClaimsExchanges>
        </OrchestrationStep>
        <OrchestrationStep Order="3" Type="SendClaims" CpimIssuerTechnicalProfileReferenceId="JwtIssuer" />
      </OrchestrationSteps>
    </UserJourney>
  </UserJourneys>
</TrustFrameworkPolicy>`

const extensionPolicyXML = `<TrustFrameworkPolicy xmlns="http://schemas.microsoft.com/online/cpim/schemas/2013/06" PolicySchemaVersion="0.3.0.0" TenantId="contoso.onmicrosoft.com" PolicyId="B2C_1A_TrustFrameworkExtensions">
  <BasePolicy>
    <TenantId>contoso.onmicrosoft.com</TenantId>
    <PolicyId>B2C_1A_TrustFrameworkBase</PolicyId>
  </BasePolicy>
  <ClaimsProviders>
    <ClaimsProvider>
      <DisplayName>Azure Active Directory</DisplayName>
      <TechnicalProfiles>
        <TechnicalProfile Id="AAD-UserWrite">
          <DisplayName>Write user</DisplayName>
          <OutputClaims>
            <OutputClaim ClaimTypeReferenceId="email" PartnerClaimType="mail" />
          </OutputClaims>
          <IncludeTechnicalProfile ReferenceId="AAD-Common" />
        </TechnicalProfile>
        <TechnicalProfile Id="SelfAsserted-LocalAccountSignin-Email">
          <Metadata>
            <Item Key="setting.operatingMode">Email</Item>
          </Metadata>
        </TechnicalProfile>
      </TechnicalProfiles>
    </ClaimsProvider>
  </ClaimsProviders>
</TrustFrameworkPolicy>`

const userJourneyWithSubJourneyXML = `<TrustFrameworkPolicy xmlns="http://schemas.microsoft.com/online/cpim/schemas/2013/06" PolicySchemaVersion="0.3.0.0" TenantId="contoso.onmicrosoft.com" PolicyId="B2C_1A_SignInWithMFA">
  <ClaimsProviders>
    <ClaimsProvider>
      <DisplayName>Phone Factor</DisplayName>
      <TechnicalProfiles>
        <TechnicalProfile Id="PhoneFactor-InputOrVerify">
          <DisplayName>Phone Factor</DisplayName>
          <Protocol Name="Proprietary" Handler="Web.TPEngine.Providers.PhoneFactorProtocolProvider, Web.TPEngine" />
        </TechnicalProfile>
      </TechnicalProfiles>
    </ClaimsProvider>
  </ClaimsProviders>
  <UserJourneys>
    <UserJourney Id="SignInWithMFA">
      <OrchestrationSteps>
        <OrchestrationStep Order="1" Type="ClaimsExchange">
          <ClaimsExchanges>
            <ClaimsExchange Id="LocalAccountSigninExchange" TechnicalProfileReferenceId="PhoneFactor-InputOrVerify" />
          </ClaimsExchanges>
        </OrchestrationStep>
        <OrchestrationStep Order="2" Type="InvokeSubJourney">
          <JourneyList>
            <Candidate SubJourneyReferenceId="MFA" />
          </JourneyList>
        </OrchestrationStep>
        <OrchestrationStep Order="3" Type="SendClaims" CpimIssuerTechnicalProfileReferenceId="JwtIssuer" />
      </OrchestrationSteps>
    </UserJourney>
  </UserJourneys>
  <SubJourneys>
    <SubJourney Id="MFA" Type="Call">
      <OrchestrationSteps>
        <OrchestrationStep Order="1" Type="ClaimsExchange">
          <ClaimsExchanges>
            <ClaimsExchange Id="PhoneFactorExchange" TechnicalProfileReferenceId="PhoneFactor-InputOrVerify" />
          </ClaimsExchanges>
        </OrchestrationStep>
      </OrchestrationSteps>
    </SubJourney>
  </SubJourneys>
</TrustFrameworkPolicy>`

func processFixture(t *testing.T, files ...domain.PolicyFile) *domain.UploadResponse {
	t.Helper()
	resp, err := NewProcessor().ProcessFiles(files)
	require.NoError(t, err)
	return resp
}

func fileVersions(entities domain.PolicyEntities, kind domain.EntityKind, id string) []*domain.Entity {
	var versions []*domain.Entity
	for _, v := range entities.Versions(kind, id) {
		if v.SourceFile != domain.ConsolidatedFileName {
			versions = append(versions, v)
		}
	}
	return versions
}

func TestProcessFilesNoInput(t *testing.T) {
	_, err := NewProcessor().ProcessFiles(nil)
	require.ErrorIs(t, err, ErrNoFiles)
}

func TestProcessFilesAllInvalid(t *testing.T) {
	_, err := NewProcessor().ProcessFiles([]domain.PolicyFile{
		{Name: "a.xml", Content: "<not-a-policy />"},
		{Name: "b.xml", Content: "<TrustFrameworkPolicy><unclosed>"},
	})
	require.ErrorIs(t, err, ErrAllFilesInvalid)
}

func TestProcessFilesMissingBase(t *testing.T) {
	_, err := NewProcessor().ProcessFiles([]domain.PolicyFile{
		{Name: "ext.xml", Content: extensionPolicyXML},
	})
	require.ErrorIs(t, err, ErrMissingBase)
}

func TestProcessFilesCycle(t *testing.T) {
	a := `<TrustFrameworkPolicy PolicyId="B2C_1A_A" TenantId="contoso.onmicrosoft.com"><BasePolicy><PolicyId>B2C_1A_B</PolicyId></BasePolicy></TrustFrameworkPolicy>`
	b := `<TrustFrameworkPolicy PolicyId="B2C_1A_B" TenantId="contoso.onmicrosoft.com"><BasePolicy><PolicyId>B2C_1A_A</PolicyId></BasePolicy></TrustFrameworkPolicy>`
	_, err := NewProcessor().ProcessFiles([]domain.PolicyFile{
		{Name: "a.xml", Content: a},
		{Name: "b.xml", Content: b},
	})
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestProcessFilesVersioning(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	// Defined in both files: two per-file versions, the derived one flagged
	// as an override.
	signin := fileVersions(resp.Entities, domain.KindTechnicalProfile, "SelfAsserted-LocalAccountSignin-Email")
	require.Len(t, signin, 2)
	require.False(t, signin[0].IsOverride)
	require.Equal(t, 0, signin[0].HierarchyDepth)
	require.True(t, signin[1].IsOverride)
	require.Equal(t, 1, signin[1].HierarchyDepth)
	require.Equal(t, "ext.xml", signin[1].SourceFile)

	// Defined once each.
	require.Len(t, fileVersions(resp.Entities, domain.KindTechnicalProfile, "AAD-Common"), 1)
	require.Len(t, fileVersions(resp.Entities, domain.KindTechnicalProfile, "AAD-UserWrite"), 1)
	require.Len(t, fileVersions(resp.Entities, domain.KindClaimType, "email"), 1)

	// Each id carries exactly one synthesized consolidated version.
	all := resp.Entities.Versions(domain.KindTechnicalProfile, "SelfAsserted-LocalAccountSignin-Email")
	require.Len(t, all, 3)
	require.Equal(t, domain.ConsolidatedFileName, all[2].SourceFile)
	require.False(t, all[2].IsOverride)
}

func TestConsolidatedClaimOverrideByID(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	merged := resp.Entities.Effective(domain.KindTechnicalProfile, "AAD-UserWrite")
	require.Equal(t, domain.ConsolidatedFileName, merged.SourceFile)
	require.NotNil(t, merged.Profile)

	// Parent claims pass through; the shared claimTypeReferenceId is
	// replaced by the child's definition.
	claims := merged.Profile.OutputClaims
	require.Len(t, claims, 2)
	require.Equal(t, "objectId", claims[0].ClaimTypeReferenceID)
	require.True(t, claims[0].Required)
	require.Equal(t, "email", claims[1].ClaimTypeReferenceID)
	require.Equal(t, "mail", claims[1].PartnerClaimType)

	// Parent metadata survives the merge.
	require.Equal(t, "app-object-id", merged.Profile.Metadata["ApplicationObjectId"])

	chain := merged.Profile.InheritanceChain
	require.Len(t, chain, 1)
	require.Equal(t, "AAD-Common", chain[0].ProfileID)
	require.Equal(t, domain.InheritanceDirect, chain[0].InheritanceType)
	require.Equal(t, "base.xml", chain[0].FileName)
}

func TestConsolidatedCrossFileOverrideKeepsBaseDefinition(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	merged := resp.Entities.Effective(domain.KindTechnicalProfile, "SelfAsserted-LocalAccountSignin-Email")
	require.Equal(t, domain.ConsolidatedFileName, merged.SourceFile)
	require.NotNil(t, merged.Profile)

	// The extension restates the profile with metadata only; the base's
	// protocol and claims survive into the merged view.
	require.Equal(t, "Proprietary", merged.Profile.Protocol)
	require.Contains(t, merged.Profile.ProtocolHandler, "SelfAssertedAttributeProvider")
	claims := merged.Profile.OutputClaims
	require.Len(t, claims, 2)
	require.Equal(t, "email", claims[0].ClaimTypeReferenceID)
	require.True(t, claims[0].Required)
	require.Equal(t, "objectId", claims[1].ClaimTypeReferenceID)

	// And the extension's metadata lands on top.
	require.Equal(t, "Email", merged.Profile.Metadata["setting.operatingMode"])
}

func TestConsolidatedXMLMergesCrossFileOverrides(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	// A profile redefined across files appears exactly once in the merged
	// document, under the provider that introduced it.
	require.Equal(t, 1, strings.Count(resp.ConsolidatedXML, `Id="SelfAsserted-LocalAccountSignin-Email"`))

	// Re-consolidating the merged document alone loses nothing: the base's
	// protocol and the extension's metadata both survive the round trip.
	reprocessed := processFixture(t,
		domain.PolicyFile{Name: "consolidated.xml", Content: resp.ConsolidatedXML},
	)
	merged := reprocessed.Entities.Effective(domain.KindTechnicalProfile, "SelfAsserted-LocalAccountSignin-Email")
	require.NotNil(t, merged.Profile)
	require.Equal(t, "Proprietary", merged.Profile.Protocol)
	require.Equal(t, "Email", merged.Profile.Metadata["setting.operatingMode"])
	require.Len(t, merged.Profile.OutputClaims, 2)
}

func TestProcessFilesUnresolvedInclude(t *testing.T) {
	orphan := `<TrustFrameworkPolicy PolicyId="B2C_1A_Orphan" TenantId="contoso.onmicrosoft.com">
  <ClaimsProviders>
    <ClaimsProvider>
      <DisplayName>Orphans</DisplayName>
      <TechnicalProfiles>
        <TechnicalProfile Id="Orphan-Profile">
          <IncludeTechnicalProfile ReferenceId="Does-Not-Exist" />
        </TechnicalProfile>
      </TechnicalProfiles>
    </ClaimsProvider>
  </ClaimsProviders>
</TrustFrameworkPolicy>`
	_, err := NewProcessor().ProcessFiles([]domain.PolicyFile{{Name: "orphan.xml", Content: orphan}})
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestProcessFilesSignInJourney(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	journey := resp.Entities.Effective(domain.KindUserJourney, "SignIn")
	require.NotNil(t, journey)

	var starts, ends, steps int
	for _, n := range resp.Graph.Nodes {
		switch n.Type {
		case domain.NodeStart:
			starts++
		case domain.NodeEnd:
			ends++
		default:
			steps++
		}
	}
	require.Equal(t, 1, starts)
	require.Equal(t, 1, ends)
	require.Equal(t, 3, steps)

	// Steps connect in sequence through Order 1,2,3.
	requireEdge(t, resp.Graph, "start", "step-1")
	requireEdge(t, resp.Graph, "step-1", "step-2")
	requireEdge(t, resp.Graph, "step-2", "step-3")
	requireEdge(t, resp.Graph, "step-3", "end")
}

func TestProcessFilesIdempotent(t *testing.T) {
	files := []domain.PolicyFile{
		{Name: "base.xml", Content: basePolicyXML},
		{Name: "ext.xml", Content: extensionPolicyXML},
	}
	first, err := NewProcessor().ProcessFiles(files)
	require.NoError(t, err)
	second, err := NewProcessor().ProcessFiles(files)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Entities, second.Entities); diff != "" {
		t.Fatalf("entities drifted between runs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Graph, second.Graph); diff != "" {
		t.Fatalf("graph drifted between runs (-first +second):\n%s", diff)
	}
	require.Equal(t, first.ConsolidatedXML, second.ConsolidatedXML)
}

func TestConsolidatedXMLCarriesEverySection(t *testing.T) {
	resp := processFixture(t,
		domain.PolicyFile{Name: "base.xml", Content: basePolicyXML},
		domain.PolicyFile{Name: "ext.xml", Content: extensionPolicyXML},
	)

	reparsed, err := Parse(resp.ConsolidatedXML, "consolidated.xml")
	require.NoError(t, err)
	require.Equal(t, "B2C_1A_TrustFrameworkExtensions", reparsed.PolicyID())
	require.Equal(t, "contoso.onmicrosoft.com", reparsed.TenantID())

	result := Validate(reparsed, "consolidated.xml")
	require.True(t, result.IsValid)

	for _, fragment := range []string{"ClaimsSchema", "ClaimsProviders", "UserJourneys", "SignIn", "AAD-UserWrite"} {
		require.Contains(t, resp.ConsolidatedXML, fragment)
	}
}

func requireEdge(t *testing.T, g domain.PolicyGraph, source, target string) {
	t.Helper()
	for _, e := range g.Edges {
		if e.Source == source && e.Target == target {
			return
		}
	}
	t.Fatalf("edge %s -> %s not found", source, target)
}
