// Package budget resolves tier+mode pairs into immutable run budgets and
// tracks consumption against them while a run executes.
package budget

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
)

// ErrModeRequiresPremium is returned when a free-tier caller requests a
// premium-only mode. Callers surface this before any work starts.
type ErrModeRequiresPremium struct {
	Mode string
}

func (e *ErrModeRequiresPremium) Error() string {
	return fmt.Sprintf("mode %q requires the premium tier", e.Mode)
}

// ErrUnknownMode is returned for modes absent from configuration.
type ErrUnknownMode struct {
	Mode  string
	Known []string
}

func (e *ErrUnknownMode) Error() string {
	return fmt.Sprintf("unknown research mode %q (known: %v)", e.Mode, e.Known)
}

// Resolver turns a tier+mode pair into a fixed budget. The budget is
// decided once at run start; nothing mutates it afterward.
type Resolver struct {
	modes  map[string]config.ModeConfig
	logger *zap.Logger
}

// NewResolver builds a resolver over the configured mode templates.
func NewResolver(modes map[string]config.ModeConfig, logger *zap.Logger) *Resolver {
	return &Resolver{modes: modes, logger: logger}
}

// Resolve returns the budget for tier+mode, rejecting premium-only modes
// for free-tier callers.
func (r *Resolver) Resolve(tier, mode string) (models.Budget, error) {
	mc, ok := r.modes[mode]
	if !ok {
		known := make([]string, 0, len(r.modes))
		for name := range r.modes {
			known = append(known, name)
		}
		sort.Strings(known)
		return models.Budget{}, &ErrUnknownMode{Mode: mode, Known: known}
	}
	if mc.PremiumOnly && tier != models.TierPremium {
		return models.Budget{}, &ErrModeRequiresPremium{Mode: mode}
	}

	b := models.Budget{
		MaxSources:      mc.MaxSources,
		MaxWords:        mc.MaxWords,
		MaxIterations:   mc.MaxIterations,
		MaxWallTime:     mc.MaxWallTime,
		PremiumFeatures: tier == models.TierPremium,
		Tier:            tier,
		Mode:            mode,
	}
	r.logger.Debug("Resolved run budget",
		zap.String("tier", tier),
		zap.String("mode", mode),
		zap.Int("max_sources", b.MaxSources),
		zap.Int("max_iterations", b.MaxIterations),
	)
	return b, nil
}

// Modes lists the configured mode names, sorted.
func (r *Resolver) Modes() []string {
	names := make([]string, 0, len(r.modes))
	for name := range r.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
