package selector

import (
	"context"

	"github.com/jonwraymond/ruleops/cache"
)

// DependencyAnalyzer reports which selected rules depend on which.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - The returned map is keyed by rule id; values list the ids the key
//     depends on. Edges naming rules outside ids are ignored by the Resolver.
//   - Errors abort resolution.
type DependencyAnalyzer interface {
	Analyze(ctx context.Context, ids []string, meta map[string]cache.RuleMetadata) (map[string][]string, error)
}

// DependencyAnalyzerFunc adapts a function to DependencyAnalyzer.
type DependencyAnalyzerFunc func(ctx context.Context, ids []string, meta map[string]cache.RuleMetadata) (map[string][]string, error)

// Analyze calls f.
func (f DependencyAnalyzerFunc) Analyze(ctx context.Context, ids []string, meta map[string]cache.RuleMetadata) (map[string][]string, error) {
	return f(ctx, ids, meta)
}

// NoDependencies reports no edges. Rules declare no dependencies today, so
// this is the Resolver default.
type NoDependencies struct{}

// Analyze returns an empty map.
func (NoDependencies) Analyze(context.Context, []string, map[string]cache.RuleMetadata) (map[string][]string, error) {
	return map[string][]string{}, nil
}

// StaticDependencies is a fixed dependency table: rule id to the ids it
// depends on.
type StaticDependencies map[string][]string

// Analyze returns the edges of the selected ids.
func (d StaticDependencies) Analyze(_ context.Context, ids []string, _ map[string]cache.RuleMetadata) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if deps := d[id]; len(deps) > 0 {
			out[id] = append([]string(nil), deps...)
		}
	}
	return out, nil
}

var (
	_ DependencyAnalyzer = NoDependencies{}
	_ DependencyAnalyzer = StaticDependencies(nil)
	_ DependencyAnalyzer = DependencyAnalyzerFunc(nil)
)
