package policy

import (
	"fmt"

	"github.com/kwilcz/traceflow/internal/domain"
)

type ValidationResult struct {
	IsValid bool
	Errors  []domain.ValidationError
}

// Validate performs structural validation of a parsed policy document. It
// never fails hard: every violation becomes one ValidationError and IsValid
// reports whether any of them has error severity. Repeatable elements are
// read through asSlice so documents validate identically before and after
// normalization.
func Validate(doc *Document, fileName string) ValidationResult {
	v := &validator{fileName: fileName}

	root := doc.Root()
	if root == nil {
		v.errorf("missing %s root element", rootElement)
		return v.result()
	}
	if attr(root, "PolicyId") == "" {
		v.errorf("%s is missing the PolicyId attribute", rootElement)
	}
	if base := child(root, "BasePolicy"); base != nil {
		if text(base["PolicyId"]) == "" && attr(base, "PolicyId") == "" {
			v.errorf("BasePolicy reference has no resolvable PolicyId")
		}
	}

	buildingBlocks := child(root, "BuildingBlocks")
	if schema := child(buildingBlocks, "ClaimsSchema"); schema != nil {
		for i, raw := range asSlice(schema["ClaimType"]) {
			if elem, ok := raw.(map[string]any); !ok || attr(elem, "Id") == "" {
				v.errorf("ClaimType at position %d has no Id", i)
			}
		}
	}
	if transforms := child(buildingBlocks, "ClaimsTransformations"); transforms != nil {
		for i, raw := range asSlice(transforms["ClaimsTransformation"]) {
			if elem, ok := raw.(map[string]any); !ok || attr(elem, "Id") == "" {
				v.errorf("ClaimsTransformation at position %d has no Id", i)
			}
		}
	}

	if providers := child(root, "ClaimsProviders"); providers != nil {
		for _, raw := range asSlice(providers["ClaimsProvider"]) {
			provider, ok := raw.(map[string]any)
			if !ok {
				v.warnf("ClaimsProvider entry is not an element")
				continue
			}
			profiles := child(provider, "TechnicalProfiles")
			for i, rawProfile := range asSlice(profiles["TechnicalProfile"]) {
				if elem, ok := rawProfile.(map[string]any); !ok || attr(elem, "Id") == "" {
					v.errorf("TechnicalProfile at position %d has no Id", i)
				}
			}
		}
	}

	for wrapper, elem := range map[string]string{"UserJourneys": "UserJourney", "SubJourneys": "SubJourney"} {
		section := child(root, wrapper)
		if section == nil {
			continue
		}
		for i, raw := range asSlice(section[elem]) {
			if journey, ok := raw.(map[string]any); !ok || attr(journey, "Id") == "" {
				v.errorf("%s at position %d has no Id", elem, i)
			}
		}
	}

	return v.result()
}

type validator struct {
	fileName string
	errors   []domain.ValidationError
}

func (v *validator) errorf(format string, args ...any) {
	v.errors = append(v.errors, domain.ValidationError{
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
		FileName: v.fileName,
	})
}

func (v *validator) warnf(format string, args ...any) {
	v.errors = append(v.errors, domain.ValidationError{
		Message:  fmt.Sprintf(format, args...),
		Severity: "warning",
		FileName: v.fileName,
	})
}

func (v *validator) result() ValidationResult {
	valid := true
	for _, e := range v.errors {
		if e.Severity == "error" {
			valid = false
			break
		}
	}
	return ValidationResult{IsValid: valid, Errors: v.errors}
}
