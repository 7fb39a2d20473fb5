package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/time/rate"
)

// Standard tier names used by the default escalation ladder.
const (
	TierStandard  = "standard"
	TierEscalated = "escalated"
)

// Tier is a named model capability level backed by a sync provider.
type Tier struct {
	Name   string
	Model  string
	Client SyncProvider
}

// TierSet resolves tier names to tiers. Built once per run and shared
// read-only by all workers.
type TierSet struct {
	tiers map[string]Tier
}

// NewTierSet builds a tier set. Names must be unique and non-empty.
func NewTierSet(tiers ...Tier) (*TierSet, error) {
	s := &TierSet{tiers: make(map[string]Tier, len(tiers))}
	for _, t := range tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tier name is required")
		}
		if t.Client == nil {
			return nil, fmt.Errorf("tier %q has no client", name)
		}
		if _, dup := s.tiers[name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", name)
		}
		t.Name = name
		s.tiers[name] = t
	}
	return s, nil
}

// Get returns the tier named name.
func (s *TierSet) Get(name string) (Tier, error) {
	if s == nil {
		return Tier{}, fmt.Errorf("no tiers configured")
	}
	t, ok := s.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("unknown model tier %q", name)
	}
	return t, nil
}

// Names returns the configured tier names, sorted.
func (s *TierSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.tiers))
	for n := range s.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// rateLimited throttles calls to a sync provider.
type rateLimited struct {
	next    SyncProvider
	limiter *rate.Limiter
}

// RateLimited wraps p so that calls never exceed rps requests per second.
// A non-positive rps returns p unchanged.
func RateLimited(p SyncProvider, rps float64, burst int) SyncProvider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Name() string { return r.next.Name() }

func (r *rateLimited) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Complete(ctx, req)
}
