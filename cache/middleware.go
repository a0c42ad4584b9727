package cache

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/jonwraymond/ruleops/document"
)

// EvalFunc evaluates a rule against the input the middleware was given.
type EvalFunc func(ctx context.Context) (document.Value, error)

// SkipRule reports whether results of a rule must not be cached.
type SkipRule func(meta RuleMetadata) bool

// VolatileTags mark rules whose output depends on more than their input.
var VolatileTags = []string{"nocache", "volatile", "nondeterministic", "random", "clock"}

// DefaultSkipRule skips rules carrying a volatile tag. Matching is
// case-insensitive.
func DefaultSkipRule(meta RuleMetadata) bool {
	for _, tag := range meta.Tags {
		for _, v := range VolatileTags {
			if strings.EqualFold(tag, v) {
				return true
			}
		}
	}
	return false
}

// ResultMiddleware memoizes evaluation results.
type ResultMiddleware struct {
	cache    Cache
	keyer    Keyer
	policy   Policy
	skipRule SkipRule

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultMiddleware creates a result cache middleware.
// If keyer is nil, DefaultKeyer is used; if skipRule is nil, DefaultSkipRule.
func NewResultMiddleware(cache Cache, keyer Keyer, policy Policy, skipRule SkipRule) (*ResultMiddleware, error) {
	if cache == nil {
		return nil, ErrNilCache
	}
	if keyer == nil {
		keyer = NewDefaultKeyer()
	}
	if skipRule == nil {
		skipRule = DefaultSkipRule
	}
	return &ResultMiddleware{
		cache:    cache,
		keyer:    keyer,
		policy:   policy,
		skipRule: skipRule,
	}, nil
}

// Evaluate returns a cached result for (meta, input) or runs eval and
// caches its result. Errors are never cached. hit reports whether eval was
// skipped.
func (m *ResultMiddleware) Evaluate(ctx context.Context, meta RuleMetadata, input document.Value, eval EvalFunc) (out document.Value, hit bool, err error) {
	if !m.policy.ShouldCache() || (!m.policy.AllowVolatile && m.skipRule(meta)) {
		out, err = eval(ctx)
		return out, false, err
	}

	key, err := m.keyer.Key(meta, input)
	if err != nil {
		out, err = eval(ctx)
		return out, false, err
	}

	if cached, ok := m.cache.Get(ctx, key); ok {
		if v, perr := document.Parse(cached); perr == nil {
			m.hits.Add(1)
			return v, true, nil
		}
		_ = m.cache.Delete(ctx, key)
	}

	m.misses.Add(1)
	out, err = eval(ctx)
	if err != nil {
		return out, false, err
	}

	if encoded, merr := out.MarshalJSON(); merr == nil {
		_ = m.cache.Set(ctx, key, encoded, m.policy.EffectiveTTL(0))
	}
	return out, false, nil
}

// Hits returns the number of cache hits.
func (m *ResultMiddleware) Hits() int64 { return m.hits.Load() }

// Misses returns the number of cache misses.
func (m *ResultMiddleware) Misses() int64 { return m.misses.Load() }
