package pipeline

import (
	"context"
	"fmt"

	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/validate"
)

// RequestFunc builds the provider request for one attempt.
type RequestFunc func(sc *StepContext) (*provider.Request, error)

// InferenceStep returns a StepFunc that sends the built request to the
// attempt's tier, parses the reply as JSON and validates it. Shape failures
// are returned as errors so they count against the attempt budget.
func InferenceStep(build RequestFunc, val validate.Validator) StepFunc {
	return func(ctx context.Context, sc *StepContext) (any, error) {
		if sc.Tier == nil || sc.Tier.Client == nil {
			return nil, fmt.Errorf("inference step has no model tier")
		}
		req, err := build(sc)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if sc.Tier.Model != "" {
			req.Model = sc.Tier.Model
		}
		req.JSON = true

		resp, err := sc.Tier.Client.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		sc.RecordUsage(resp.Usage)
		sc.RecordModel(resp.Model)
		return validate.Decode(resp.Text, val)
	}
}

// ComputeStep adapts a plain function of the completed results to a StepFunc.
func ComputeStep(fn func(ctx context.Context, sc *StepContext) (any, error)) StepFunc {
	return StepFunc(fn)
}
