package trace

import (
	"fmt"
	"time"

	"github.com/kwilcz/traceflow/internal/domain"
)

// postProcessor runs over a correlation group's complete step sequence after
// every step has been sealed.
type postProcessor interface {
	process(steps []domain.TraceStep) []string
}

// postProcessors runs in a fixed order: durations are computed before HRD
// resolution because the resolver's diagnostics report them.
var postProcessors = []postProcessor{
	stepDurationProcessor{},
	hrdResolver{},
}

func runPostProcessors(steps []domain.TraceStep, errs *[]string) {
	for _, p := range postProcessors {
		*errs = append(*errs, p.process(steps)...)
	}
}

// stepDurationProcessor derives each step's duration from the gap to the
// next step's timestamp. The last step has no successor and keeps a nil
// duration.
type stepDurationProcessor struct{}

func (stepDurationProcessor) process(steps []domain.TraceStep) []string {
	for i := 0; i+1 < len(steps); i++ {
		d := steps[i+1].Timestamp.Sub(steps[i].Timestamp)
		steps[i].Duration = &d
	}
	return nil
}

// hrdResolver links a home-realm-discovery selection recorded at one step to
// the technical profile invocation it led to at a later step.
type hrdResolver struct{}

func (hrdResolver) process(steps []domain.TraceStep) []string {
	var errs []string
	for i := range steps {
		hrd := steps[i].HRD
		if hrd == nil || hrd.TargetClaimsExchange == "" {
			continue
		}
		resolved := false
		for j := i + 1; j < len(steps); j++ {
			if invokesProfile(steps[j], hrd.TargetClaimsExchange) {
				hrd.ResolvedStep = steps[j].SequenceNumber
				resolved = true
				break
			}
		}
		if !resolved {
			errs = append(errs, fmt.Sprintf(
				"hrd selection %q at step %d (duration %s) was never followed by an invocation of %s",
				hrd.SelectionID, steps[i].SequenceNumber, durationLabel(steps[i].Duration), hrd.TargetClaimsExchange))
		}
	}
	return errs
}

func invokesProfile(step domain.TraceStep, profileID string) bool {
	for _, tp := range step.TechnicalProfileDetails {
		if tp.ID == profileID {
			return true
		}
	}
	return false
}

func durationLabel(d *time.Duration) string {
	if d == nil {
		return "unknown"
	}
	return d.String()
}
