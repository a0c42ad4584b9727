package selector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
)

// Catalog is the set of rules a selector is resolved against.
// *cache.RuleCache satisfies it.
//
// Contract:
//   - Generation must change whenever the rule set or any metadata changes.
type Catalog interface {
	AllMetadata() map[string]cache.RuleMetadata
	Generation() uint64
	Len() int
}

// StaticCatalog is a fixed Catalog.
type StaticCatalog struct {
	meta map[string]cache.RuleMetadata
}

// NewStaticCatalog creates a catalog over meta. Tags are normalized.
func NewStaticCatalog(meta map[string]cache.RuleMetadata) *StaticCatalog {
	cp := make(map[string]cache.RuleMetadata, len(meta))
	for id, m := range meta {
		m.ID = id
		m.Tags = cache.NormalizeTags(m.Tags)
		cp[id] = m
	}
	return &StaticCatalog{meta: cp}
}

// AllMetadata returns a copy of the catalog.
func (c *StaticCatalog) AllMetadata() map[string]cache.RuleMetadata {
	out := make(map[string]cache.RuleMetadata, len(c.meta))
	for id, m := range c.meta {
		out[id] = m
	}
	return out
}

// Generation is constant.
func (c *StaticCatalog) Generation() uint64 { return 1 }

// Len returns the number of rules.
func (c *StaticCatalog) Len() int { return len(c.meta) }

// Dependency lists the selected rules a rule depends on and those depending
// on it.
type Dependency struct {
	DependsOn  []string `json:"depends_on"`
	Dependents []string `json:"dependents"`
}

// Plan is a resolved selector: the rules to run and the order to run them.
//
// Every id in RuleIDs appears in exactly one stage. Stages run in order;
// rules within a stage run concurrently.
type Plan struct {
	Mode         ModeType              `json:"mode"`
	RuleIDs      []string              `json:"rule_ids"`
	Stages       [][]string            `json:"stages"`
	Dependencies map[string]Dependency `json:"dependencies"`
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Analyzer supplies rule dependencies.
	// Default: NoDependencies{}
	Analyzer DependencyAnalyzer
}

// Resolver turns selectors into plans. It caches the catalog's tag index and
// id set and rebuilds them only when the catalog's generation or size
// changes, so a Resolver should serve one catalog.
type Resolver struct {
	analyzer DependencyAnalyzer

	mu     sync.Mutex
	gen    uint64
	size   int
	meta   map[string]cache.RuleMetadata
	index  *cache.TagIndex
	builds atomic.Int64
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Analyzer == nil {
		cfg.Analyzer = NoDependencies{}
	}
	return &Resolver{analyzer: cfg.Analyzer}
}

// IndexBuilds returns how many times the catalog index has been built.
func (r *Resolver) IndexBuilds() int64 { return r.builds.Load() }

// snapshot returns the cached metadata and tag index for cat.
func (r *Resolver) snapshot(cat Catalog) (map[string]cache.RuleMetadata, *cache.TagIndex) {
	gen, size := cat.Generation(), cat.Len()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil && r.gen == gen && r.size == size {
		return r.meta, r.index
	}
	r.meta = cat.AllMetadata()
	r.index = cache.BuildTagIndex(r.meta)
	r.gen, r.size = gen, size
	r.builds.Add(1)
	return r.meta, r.index
}

// Resolve validates sel and resolves it against cat.
//
// Ids not present in cat are dropped. The id list is the requested ids
// followed by the tag matches, without repeats. Stages follow the mode:
// parallel runs dependency levels, sequential runs one rule per stage, and
// mixed runs each group in order followed by one parallel stage of the
// rules no group named.
func (r *Resolver) Resolve(ctx context.Context, sel Selector, cat Catalog) (*Plan, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	meta, index := r.snapshot(cat)

	candidates := make([]string, 0, len(sel.IDs))
	for _, id := range sel.IDs {
		if _, ok := meta[id]; ok {
			candidates = append(candidates, id)
		}
	}
	if len(sel.Tags) > 0 {
		candidates = append(candidates, index.Match(cache.NormalizeTags(sel.Tags))...)
	}
	ids := dedup(candidates)

	edges, err := r.analyzer.Analyze(ctx, ids, meta)
	if err != nil {
		return nil, fault.Wrap(fault.KindExecution, "selector.resolve", "", fmt.Errorf("analyze dependencies: %w", err))
	}
	deps, hasEdges := dependencyMap(ids, edges)

	plan := &Plan{Mode: sel.Mode.Type, RuleIDs: ids, Dependencies: deps}
	if len(ids) == 0 {
		return plan, nil
	}

	levels, err := Stages(ids, edges)
	if err != nil {
		return nil, fault.New(fault.KindInvalidInput, "selector.resolve", "", err)
	}

	switch sel.Mode.Type {
	case ModeParallel:
		plan.Stages = levels
	case ModeSequential:
		for _, level := range levels {
			for _, id := range level {
				plan.Stages = append(plan.Stages, []string{id})
			}
		}
	case ModeMixed:
		plan.Stages = mixedStages(ids, sel.Mode.Groups)
		if hasEdges {
			if err := checkOrder(plan.Stages, deps); err != nil {
				return nil, err
			}
		}
	}
	return plan, nil
}

// mixedStages builds stages from groups in order. Group rules outside ids or
// already scheduled are skipped. Rules no group names form a trailing
// parallel stage.
func mixedStages(ids []string, groups []Group) [][]string {
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}
	processed := make(map[string]struct{}, len(ids))

	var stages [][]string
	for _, g := range groups {
		var members []string
		for _, id := range g.Rules {
			if _, ok := selected[id]; !ok {
				continue
			}
			if _, ok := processed[id]; ok {
				continue
			}
			processed[id] = struct{}{}
			members = append(members, id)
		}
		if len(members) == 0 {
			continue
		}
		if g.Mode == ModeSequential {
			for _, id := range members {
				stages = append(stages, []string{id})
			}
		} else {
			stages = append(stages, members)
		}
	}

	var rest []string
	for _, id := range ids {
		if _, ok := processed[id]; !ok {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		stages = append(stages, rest)
	}
	return stages
}

// dependencyMap builds the per-rule dependency record, keeping only edges
// between selected rules.
func dependencyMap(ids []string, edges map[string][]string) (map[string]Dependency, bool) {
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}

	out := make(map[string]Dependency, len(ids))
	for _, id := range ids {
		out[id] = Dependency{DependsOn: []string{}, Dependents: []string{}}
	}
	hasEdges := false
	for _, id := range ids {
		for _, dep := range dedup(edges[id]) {
			if _, ok := selected[dep]; !ok {
				continue
			}
			hasEdges = true
			d := out[id]
			d.DependsOn = append(d.DependsOn, dep)
			out[id] = d

			p := out[dep]
			p.Dependents = append(p.Dependents, id)
			out[dep] = p
		}
	}
	return out, hasEdges
}

// checkOrder verifies every rule's dependencies sit in strictly earlier
// stages.
func checkOrder(stages [][]string, deps map[string]Dependency) error {
	stageOf := make(map[string]int)
	for i, stage := range stages {
		for _, id := range stage {
			stageOf[id] = i
		}
	}
	for _, stage := range stages {
		for _, id := range stage {
			for _, dep := range deps[id].DependsOn {
				if stageOf[dep] >= stageOf[id] {
					return fault.New(fault.KindInvalidInput, "selector.resolve", id,
						fmt.Errorf("%w: rule %q depends on %q, which is not scheduled before it", ErrInvalidSelector, id, dep))
				}
			}
		}
	}
	return nil
}

var (
	_ Catalog = (*StaticCatalog)(nil)
	_ Catalog = (*cache.RuleCache)(nil)
)
