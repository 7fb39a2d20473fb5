package pipeline

import (
	"fmt"
	"time"

	"github.com/3leaps/kgextract/pkg/provider"
)

// RetryPolicy sets attempt budgets and the escalation ladder.
type RetryPolicy struct {
	InferenceAttempts int           `mapstructure:"inference_attempts" json:"inference_attempts"`
	ComputeAttempts   int           `mapstructure:"compute_attempts" json:"compute_attempts"`
	Delay             time.Duration `mapstructure:"retry_delay" json:"retry_delay"`

	// Ladder maps attempt n (1-based) to a tier name. The last entry is
	// reserved for an inference step's final attempt.
	Ladder []string `mapstructure:"escalation" json:"escalation"`
}

// DefaultRetryPolicy returns 3 inference attempts, 2 compute attempts, a
// 2s delay and the ladder standard, standard, escalated.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InferenceAttempts: 3,
		ComputeAttempts:   2,
		Delay:             2 * time.Second,
		Ladder:            []string{provider.TierStandard, provider.TierStandard, provider.TierEscalated},
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InferenceAttempts <= 0 {
		p.InferenceAttempts = def.InferenceAttempts
	}
	if p.ComputeAttempts <= 0 {
		p.ComputeAttempts = def.ComputeAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if len(p.Ladder) == 0 {
		p.Ladder = def.Ladder
	}
	return p
}

// Attempts returns the attempt budget for kind.
func (p RetryPolicy) Attempts(kind Kind) int {
	if kind == KindInference {
		return p.InferenceAttempts
	}
	return p.ComputeAttempts
}

// TierFor returns the tier name for attempt out of max.
//
// The final attempt uses the last ladder entry. Earlier attempts walk the
// ladder without reaching it.
func (p RetryPolicy) TierFor(attempt, max int) string {
	n := len(p.Ladder)
	switch {
	case n == 0:
		return provider.TierStandard
	case n == 1:
		return p.Ladder[0]
	case attempt >= max:
		return p.Ladder[n-1]
	}
	i := attempt - 1
	if i > n-2 {
		i = n - 2
	}
	if i < 0 {
		i = 0
	}
	return p.Ladder[i]
}

// Validate checks that every ladder tier is configured.
func (p RetryPolicy) Validate(tiers *provider.TierSet) error {
	for _, name := range p.Ladder {
		if _, err := tiers.Get(name); err != nil {
			return fmt.Errorf("escalation ladder: %w", err)
		}
	}
	return nil
}
