package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-research/meridian/internal/circuitbreaker"
	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/ratecontrol"
)


// Registry is the shared provider state for all concurrent runs: the one
// place that holds rate limiters and circuit breakers. It is injected,
// never a package singleton, so tests can run isolated instances.
type Registry struct {
	logger    *zap.Logger
	providers []Provider

	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	tierLimiters map[string]*rate.Limiter
	breakers     map[string]*circuitbreaker.CircuitBreaker
}

// NewRegistry builds a registry over the given providers.
func NewRegistry(provs []Provider, cfg config.ProvidersConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		logger:       logger,
		providers:    provs,
		limiters:     make(map[string]*rate.Limiter),
		tierLimiters: make(map[string]*rate.Limiter),
		breakers:     make(map[string]*circuitbreaker.CircuitBreaker),
	}
	for _, p := range provs {
		limit := ratecontrol.LimitForProvider(p.Name())
		if override, ok := cfg.RateLimits[p.Name()]; ok && override > 0 {
			limit = ratecontrol.Limit{RPM: override}
		}
		if limit.RPM <= 0 {
			limit.RPM = 30
		}
		if limit.Burst <= 0 {
			limit.Burst = limit.RPM/6 + 1
		}
		r.limiters[p.Name()] = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), limit.Burst)
		r.breakers[p.Name()] = circuitbreaker.New(p.Name(), circuitbreaker.DefaultConfig(), logger)
	}
	return r
}

// NewDefaultRegistry wires the six stock providers from configuration.
func NewDefaultRegistry(cfg *config.Config, logger *zap.Logger) *Registry {
	timeout := cfg.Search.ProviderTimeout
	provs := []Provider{
		NewSerpAPI(cfg.Providers.SerpAPIKey, timeout, logger),
		NewGoogleCSE(cfg.Providers.GoogleCSEAPIKey, cfg.Providers.GoogleCSECX, timeout, logger),
		NewBrave(cfg.Providers.BraveAPIKey, timeout, logger),
		NewExa(cfg.Providers.ExaAPIKey, timeout, logger),
		NewDuckDuckGo(timeout, logger),
		NewWikipedia(timeout, logger),
	}
	return NewRegistry(provs, cfg.Providers, logger)
}

// PriorityGroups returns the providers eligible for a tier, grouped by
// priority in escalation order. The fan-out queries one group at a time
// and escalates to the next when results fall short.
func (r *Registry) PriorityGroups(tier string) [][]Provider {
	premium := tier == models.TierPremium

	eligible := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.RequiresPremium() && !premium {
			continue
		}
		eligible = append(eligible, p)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return effectivePriority(eligible[i], premium) < effectivePriority(eligible[j], premium)
	})

	var groups [][]Provider
	for _, p := range eligible {
		prio := effectivePriority(p, premium)
		if len(groups) == 0 || effectivePriority(groups[len(groups)-1][0], premium) != prio {
			groups = append(groups, []Provider{p})
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], p)
	}
	return groups
}

// Keyed premium providers rank ahead of the free chain only for paying
// tiers; for free tiers the chain starts at the keyless providers.
func effectivePriority(p Provider, premium bool) int {
	if p.RequiresPremium() && premium {
		return p.Priority() - 10
	}
	return p.Priority()
}

// tierLimiter returns the tier-wide request limiter shared by all
// providers, built lazily from the operator limits file. A tier with no
// configured budget gets no limiter.
func (r *Registry) tierLimiter(tier string) *rate.Limiter {
	r.mu.RLock()
	limiter, ok := r.tierLimiters[tier]
	r.mu.RUnlock()
	if ok {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok = r.tierLimiters[tier]; ok {
		return limiter
	}
	if tl := ratecontrol.LimitForTier(tier); tl.RPM > 0 {
		burst := tl.Burst
		if burst <= 0 {
			burst = tl.RPM/6 + 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(tl.RPM)/60.0), burst)
	}
	r.tierLimiters[tier] = limiter
	return limiter
}

// Query dispatches one provider query through the tier-wide and
// per-provider rate limiters and the provider's circuit breaker.
// Rate-limit exhaustion within the context deadline is reported as a
// quota error so callers demote instead of retrying.
func (r *Registry) Query(ctx context.Context, p Provider, text string, limit int, tier string) ([]models.RawResult, error) {
	r.mu.RLock()
	limiter := r.limiters[p.Name()]
	breaker := r.breakers[p.Name()]
	r.mu.RUnlock()

	if tl := r.tierLimiter(tier); tl != nil {
		if err := tl.Wait(ctx); err != nil {
			return nil, NewError(p.Name(), KindQuota, err)
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, NewError(p.Name(), KindQuota, err)
		}
	}

	var results []models.RawResult
	execErr := breaker.Execute(ctx, func() error {
		var err error
		results, err = p.Query(ctx, text, limit)
		return err
	})
	if execErr == circuitbreaker.ErrOpen || execErr == circuitbreaker.ErrTooManyRequests {
		return nil, NewError(p.Name(), KindQuota, execErr)
	}
	if execErr != nil {
		return nil, execErr
	}
	return results, nil
}

// BreakerState exposes a provider's breaker state so the fan-out can
// skip providers that would be rejected anyway.
func (r *Registry) BreakerState(name string) circuitbreaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cb, ok := r.breakers[name]; ok {
		return cb.State()
	}
	return circuitbreaker.StateClosed
}

// SetRateLimit adjusts one provider's limiter, used by config hot reload.
func (r *Registry) SetRateLimit(name string, rpm int) {
	if rpm <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/6+1)
}

// WaitBudget reports how long the provider's limiter would delay a
// request issued now, without consuming the reservation.
func (r *Registry) WaitBudget(name string) time.Duration {
	r.mu.RLock()
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if limiter == nil {
		return 0
	}
	res := limiter.Reserve()
	delay := res.Delay()
	res.Cancel()
	return delay
}
