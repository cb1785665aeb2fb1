// Package registry tracks which generation models are currently usable
// and spreads failover attempts across them.
//
// The model list is fetched from the provider, filtered to the configured
// family, merged with a static allow-list, and cached with a TTL. A cold
// cache is refreshed by exactly one caller at a time; concurrent callers
// share the in-flight fetch. When the provider degrades, the last good
// list keeps serving, and only with no history at all does the registry
// fall back to the static list alone, cached briefly so recovery is
// noticed quickly.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hoangsonww/lumina-core/internal/gemini"
	"github.com/hoangsonww/lumina-core/internal/log"
)

// generateAction is the capability a model must advertise to be usable
// for chat generation.
const generateAction = "generateContent"

const (
	defaultCacheTTL    = 10 * time.Minute
	defaultFallbackTTL = time.Minute
)

// Lister is the provider surface the registry discovers models from.
type Lister interface {
	ListModels(ctx context.Context) ([]gemini.ModelInfo, error)
}

// Config tunes the registry.
type Config struct {
	// Family is the model-name prefix to keep ("gemini").
	Family string

	// Fallback is the ordered static allow-list merged after dynamic
	// results, and the only source when discovery has never succeeded.
	Fallback []string

	// CacheTTL applies to a successfully refreshed list.
	CacheTTL time.Duration

	// FallbackTTL applies when serving degraded results, so the next
	// refresh attempt happens soon.
	FallbackTTL time.Duration
}

// Registry caches and rotates the usable model list. It is safe for
// concurrent use.
type Registry struct {
	lister Lister
	cfg    Config
	logger log.Logger
	now    func() time.Time

	mu        sync.Mutex
	names     []string
	expiresAt time.Time

	group  singleflight.Group
	cursor atomic.Uint64
}

// New creates a Registry.
func New(lister Lister, cfg Config, logger log.Logger) (*Registry, error) {
	if lister == nil {
		return nil, fmt.Errorf("lister is required")
	}
	if cfg.Family == "" {
		return nil, fmt.Errorf("model family is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = defaultFallbackTTL
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		lister: lister,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Models returns the current usable model list in priority order.
func (r *Registry) Models(ctx context.Context) ([]string, error) {
	if names, ok := r.cached(); ok {
		return names, nil
	}

	// Cold cache: coalesce concurrent refreshes into one provider call.
	v, err, _ := r.group.Do("models", func() (any, error) {
		if names, ok := r.cached(); ok {
			return names, nil
		}
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// cached returns a copy of the list if it is still fresh.
func (r *Registry) cached() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) > 0 && r.now().Before(r.expiresAt) {
		return slices.Clone(r.names), true
	}
	return nil, false
}

// refresh fetches, filters, and caches the model list. Provider failures
// degrade to the last good list, then to the static fallback.
func (r *Registry) refresh(ctx context.Context) ([]string, error) {
	dynamic, err := r.lister.ListModels(ctx)
	if err == nil {
		filtered := filterModels(dynamic, r.cfg.Family)
		if len(filtered) > 0 {
			merged := mergeModels(filtered, r.cfg.Fallback)
			r.store(merged, r.cfg.CacheTTL)
			r.logger.Debug("refreshed model list", "models", len(merged))
			return merged, nil
		}
		err = fmt.Errorf("no usable %s models in provider listing", r.cfg.Family)
	}

	r.mu.Lock()
	lastGood := slices.Clone(r.names)
	r.mu.Unlock()

	if len(lastGood) > 0 {
		r.logger.Warn("model discovery failed, reusing last good list", "error", err)
		r.store(lastGood, r.cfg.FallbackTTL)
		return lastGood, nil
	}

	if len(r.cfg.Fallback) > 0 {
		r.logger.Warn("model discovery failed, using static fallback", "error", err)
		static := slices.Clone(r.cfg.Fallback)
		r.store(static, r.cfg.FallbackTTL)
		return static, nil
	}

	return nil, fmt.Errorf("listing models: %w", err)
}

func (r *Registry) store(names []string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = names
	r.expiresAt = r.now().Add(ttl)
}

// RotatedModels returns the model list starting at an advancing cursor
// and wrapping around, so successive calls lead with different models.
// The cursor is a load-distribution hint, not a fairness guarantee.
func (r *Registry) RotatedModels(ctx context.Context) ([]string, error) {
	names, err := r.Models(ctx)
	if err != nil {
		return nil, err
	}

	offset := int((r.cursor.Add(1) - 1) % uint64(len(names)))
	rotated := make([]string, 0, len(names))
	rotated = append(rotated, names[offset:]...)
	rotated = append(rotated, names[:offset]...)
	return rotated, nil
}

// RunWithRotation invokes action against each model in rotated order and
// stops at the first success. When every candidate fails, the last
// observed error is returned.
func (r *Registry) RunWithRotation(ctx context.Context, action func(ctx context.Context, model string) error) error {
	models, err := r.RotatedModels(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, model := range models {
		if err := action(ctx, model); err != nil {
			r.logger.Warn("model attempt failed", "model", model, "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d models failed: %w", len(models), lastErr)
}

// filterModels keeps generation-capable models of the given family and
// drops variants unsuited to chat traffic: embedding models and the
// heavyweight "pro" tiers.
func filterModels(models []gemini.ModelInfo, family string) []string {
	var names []string
	for _, m := range models {
		name := strings.TrimPrefix(m.Name, "models/")
		if !strings.HasPrefix(name, family) {
			continue
		}
		if strings.Contains(name, "embedding") || strings.Contains(name, "pro") {
			continue
		}
		if !slices.Contains(m.Actions, generateAction) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// mergeModels returns dynamic entries first, then static entries not
// already present, preserving order and de-duplicating.
func mergeModels(dynamic, static []string) []string {
	seen := make(map[string]bool, len(dynamic)+len(static))
	merged := make([]string, 0, len(dynamic)+len(static))
	for _, lists := range [][]string{dynamic, static} {
		for _, name := range lists {
			if seen[name] {
				continue
			}
			seen[name] = true
			merged = append(merged, name)
		}
	}
	return merged
}
