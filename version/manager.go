package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/loader"
	"github.com/jonwraymond/ruleops/observe"
)

// Snapshot reasons recorded by the Manager itself.
const (
	ReasonAutoRefresh = "auto-refresh"
	ReasonInvalidate  = "invalidate"
	ReasonRollback    = "rollback"
)

// Config configures a Manager.
type Config struct {
	// ProjectID is passed to Loader.LoadAll by Initialize.
	ProjectID string

	// MaxSnapshots bounds the per-rule snapshot history.
	// Default: 5
	MaxSnapshots int

	// Concurrency bounds parallel upstream fetches.
	// Default: 4
	Concurrency int

	// DeepCheck makes DetectConflicts fetch rules whose version is current
	// and compare content checksums.
	// Default: false
	DeepCheck bool

	// Logger receives refresh diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Snapshot is a saved copy of a rule taken before it was overwritten.
type Snapshot struct {
	RuleID     string             `json:"rule_id"`
	Content    []byte             `json:"content"`
	Metadata   cache.RuleMetadata `json:"metadata"`
	Reason     string             `json:"reason"`
	CapturedAt time.Time          `json:"captured_at"`
}

// Comparison is the version status of one rule.
type Comparison struct {
	RuleID          string `json:"rule_id"`
	CachedVersion   string `json:"cached_version"`
	UpstreamVersion string `json:"upstream_version"`
	NeedsUpdate     bool   `json:"needs_update"`
}

// ConflictType classifies a Conflict.
type ConflictType string

const (
	// ConflictDrift means upstream changed and nothing invalidated the rule.
	ConflictDrift ConflictType = "drift"

	// ConflictDowngrade means upstream moved to a lower semantic version.
	ConflictDowngrade ConflictType = "downgrade"

	// ConflictContent means upstream content changed under the same version.
	ConflictContent ConflictType = "content"
)

// Conflict describes a cached rule that disagrees with upstream.
type Conflict struct {
	RuleID          string       `json:"rule_id"`
	Type            ConflictType `json:"type"`
	CachedVersion   string       `json:"cached_version"`
	UpstreamVersion string       `json:"upstream_version"`
}

// RefreshOptions controls AutoRefresh.
type RefreshOptions struct {
	// IDs limits the refresh. Empty means every cached rule.
	IDs []string

	// Force refreshes without comparing versions first.
	Force bool

	// Concurrency overrides Config.Concurrency when positive.
	Concurrency int
}

// RefreshReport lists the outcome of AutoRefresh.
type RefreshReport struct {
	Refreshed []string         `json:"refreshed"`
	UpToDate  []string         `json:"up_to_date"`
	Failed    map[string]error `json:"-"`
}

// InvalidateOptions controls InvalidateRules.
type InvalidateOptions struct {
	// Reason is recorded on the snapshot.
	// Default: "invalidate"
	Reason string

	// Reload fetches the rule again after evicting it.
	Reload bool
}

// InvalidateReport lists the outcome of InvalidateRules.
type InvalidateReport struct {
	Invalidated []string         `json:"invalidated"`
	Reloaded    []string         `json:"reloaded"`
	Failed      map[string]error `json:"-"`
}

// Manager tracks cached rule versions against a Loader.
type Manager struct {
	cfg    Config
	cache  *cache.RuleCache
	loader loader.Loader
	group  singleflight.Group

	mu          sync.Mutex
	snapshots   map[string][]Snapshot
	invalidated map[string]struct{}
}

// NewManager creates a Manager over rc and ld.
func NewManager(rc *cache.RuleCache, ld loader.Loader, cfg Config) *Manager {
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Manager{
		cfg:         cfg,
		cache:       rc,
		loader:      ld,
		snapshots:   make(map[string][]Snapshot),
		invalidated: make(map[string]struct{}),
	}
}

// Cache returns the managed rule cache.
func (m *Manager) Cache() *cache.RuleCache { return m.cache }

// Initialize bulk loads the project's rules into the cache.
func (m *Manager) Initialize(ctx context.Context) error {
	entries, err := m.loader.LoadAll(ctx, m.cfg.ProjectID)
	if err != nil {
		return fault.Wrap(fault.KindNetwork, "version.initialize", "", err)
	}
	if err := m.cache.SetMultiple(entries); err != nil {
		return fault.Wrap(fault.KindCache, "version.initialize", "", err)
	}
	m.cfg.Logger.Info(ctx, "rule cache initialized",
		observe.F("project", m.cfg.ProjectID),
		observe.F("rules", len(entries)),
	)
	return nil
}

// targets returns ids, or every cached id sorted when ids is empty.
func (m *Manager) targets(ids []string) []string {
	if len(ids) > 0 {
		out := append([]string(nil), ids...)
		sort.Strings(out)
		return out
	}
	out := m.cache.IDs()
	sort.Strings(out)
	return out
}

// CompareVersions compares cached versions with upstream. With no ids, every
// cached rule is compared. Results are sorted by rule id.
func (m *Manager) CompareVersions(ctx context.Context, ids ...string) ([]Comparison, error) {
	ids, versions, outdated, err := m.checkVersions(ctx, ids)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	out := make([]Comparison, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, id := range ids {
		out[i] = Comparison{
			RuleID:          id,
			CachedVersion:   versions[id],
			UpstreamVersion: versions[id],
			NeedsUpdate:     outdated[id],
		}
		if !outdated[id] {
			continue
		}
		g.Go(func() error {
			e, err := m.loader.LoadOne(gctx, id)
			switch {
			case err == nil:
				out[i].UpstreamVersion = e.Metadata.Version
			case errors.Is(err, fault.ErrRuleNotFound):
				out[i].UpstreamVersion = ""
			default:
				return fault.Wrap(fault.KindNetwork, "version.compare", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkVersions asks the loader which of ids (or every cached rule) are
// outdated. It returns the sorted ids and their cached versions.
func (m *Manager) checkVersions(ctx context.Context, ids []string) ([]string, map[string]string, map[string]bool, error) {
	ids = m.targets(ids)
	if len(ids) == 0 {
		return nil, nil, nil, nil
	}
	versions := make(map[string]string, len(ids))
	for _, id := range ids {
		meta, _ := m.cache.Metadata(id)
		versions[id] = meta.Version
	}
	outdated, err := m.loader.CheckVersions(ctx, versions)
	if err != nil {
		return nil, nil, nil, fault.Wrap(fault.KindNetwork, "version.compare", "", err)
	}
	return ids, versions, outdated, nil
}

// DetectConflicts reports cached rules whose upstream changed without a
// matching invalidation. Semantic version downgrades are reported as such.
// With DeepCheck, rules whose version is current are fetched and their
// content checksums compared.
func (m *Manager) DetectConflicts(ctx context.Context, ids ...string) ([]Conflict, error) {
	cmps, err := m.CompareVersions(ctx, ids...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	invalidated := make(map[string]struct{}, len(m.invalidated))
	for id := range m.invalidated {
		invalidated[id] = struct{}{}
	}
	m.mu.Unlock()

	var (
		mu        sync.Mutex
		conflicts []Conflict
	)
	add := func(c Conflict) {
		mu.Lock()
		conflicts = append(conflicts, c)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, c := range cmps {
		cached, inCache := m.cache.Metadata(c.RuleID)
		if !inCache {
			continue
		}
		if _, ok := invalidated[c.RuleID]; ok {
			continue
		}

		if c.NeedsUpdate {
			typ := ConflictDrift
			if isDowngrade(c.CachedVersion, c.UpstreamVersion) {
				typ = ConflictDowngrade
			}
			add(Conflict{RuleID: c.RuleID, Type: typ, CachedVersion: c.CachedVersion, UpstreamVersion: c.UpstreamVersion})
			continue
		}

		if !m.cfg.DeepCheck {
			continue
		}
		g.Go(func() error {
			e, err := m.loader.LoadOne(gctx, c.RuleID)
			if err != nil {
				return fault.Wrap(fault.KindNetwork, "version.conflicts", c.RuleID, err)
			}
			if e.Metadata.Checksum != cached.Checksum {
				add(Conflict{RuleID: c.RuleID, Type: ConflictContent, CachedVersion: c.CachedVersion, UpstreamVersion: e.Metadata.Version})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].RuleID < conflicts[j].RuleID })
	return conflicts, nil
}

// isDowngrade reports whether upstream is a lower semantic version than
// cached. Non-semver versions are never downgrades.
func isDowngrade(cached, upstream string) bool {
	cv, err := semver.NewVersion(cached)
	if err != nil {
		return false
	}
	uv, err := semver.NewVersion(upstream)
	if err != nil {
		return false
	}
	return uv.LessThan(cv)
}

// AutoRefresh reloads outdated rules, snapshotting the previous content of
// each before overwriting it. Concurrent refreshes of the same rule share
// one upstream fetch. Per-rule failures are listed in the report and joined
// into the returned error.
func (m *Manager) AutoRefresh(ctx context.Context, opts RefreshOptions) (RefreshReport, error) {
	report := RefreshReport{Failed: make(map[string]error)}

	var targets []string
	if opts.Force {
		targets = m.targets(opts.IDs)
	} else {
		// Only the version check can fail the whole refresh; fetches are
		// per rule and land in report.Failed.
		ids, _, outdated, err := m.checkVersions(ctx, opts.IDs)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			if outdated[id] {
				targets = append(targets, id)
			} else {
				report.UpToDate = append(report.UpToDate, id)
			}
		}
	}

	limit := m.cfg.Concurrency
	if opts.Concurrency > 0 {
		limit = opts.Concurrency
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range targets {
		g.Go(func() error {
			err := m.refreshOne(ctx, id, ReasonAutoRefresh)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
			} else {
				report.Refreshed = append(report.Refreshed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Refreshed)
	if len(report.Refreshed) > 0 || len(report.Failed) > 0 {
		m.cfg.Logger.Info(ctx, "rule cache refreshed",
			observe.F("refreshed", len(report.Refreshed)),
			observe.F("failed", len(report.Failed)),
		)
	}
	return report, joinFailures(report.Failed)
}

// refreshOne loads id and stores it, snapshotting any cached copy first.
func (m *Manager) refreshOne(ctx context.Context, id, reason string) error {
	_, err, _ := m.group.Do(id, func() (any, error) {
		e, err := m.loader.LoadOne(ctx, id)
		if err != nil {
			return nil, fault.Wrap(fault.KindNetwork, "version.refresh", id, err)
		}
		if _, ok := m.cache.Entry(id); ok {
			if err := m.CreateRollbackSnapshot(id, reason); err != nil {
				return nil, err
			}
		}
		if err := m.cache.Set(id, e.Content, e.Metadata); err != nil {
			return nil, fault.Wrap(fault.KindCache, "version.refresh", id, err)
		}
		m.mu.Lock()
		delete(m.invalidated, id)
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// InvalidateRules evicts ids from the cache after snapshotting them. Ids that
// are not cached fail with fault.KindRuleNotFound. With Reload, each evicted
// rule is fetched again.
func (m *Manager) InvalidateRules(ctx context.Context, ids []string, opts InvalidateOptions) (InvalidateReport, error) {
	report := InvalidateReport{Failed: make(map[string]error)}
	if len(ids) == 0 {
		return report, fault.New(fault.KindInvalidInput, "version.invalidate", "", errors.New("version: no rule ids given"))
	}
	reason := opts.Reason
	if reason == "" {
		reason = ReasonInvalidate
	}

	for _, id := range ids {
		if err := m.CreateRollbackSnapshot(id, reason); err != nil {
			report.Failed[id] = err
			continue
		}
		m.cache.Delete(id)
		m.mu.Lock()
		m.invalidated[id] = struct{}{}
		m.mu.Unlock()
		report.Invalidated = append(report.Invalidated, id)

		m.cfg.Logger.Info(ctx, "rule invalidated", observe.F("rule.id", id), observe.F("reason", reason))
	}

	if opts.Reload {
		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(m.cfg.Concurrency)
		for _, id := range report.Invalidated {
			g.Go(func() error {
				err := m.refreshOne(ctx, id, reason)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed[id] = err
				} else {
					report.Reloaded = append(report.Reloaded, id)
				}
				return nil
			})
		}
		_ = g.Wait()
		sort.Strings(report.Reloaded)
	}

	return report, joinFailures(report.Failed)
}

// CreateRollbackSnapshot saves the cached copy of id.
func (m *Manager) CreateRollbackSnapshot(id, reason string) error {
	e, ok := m.cache.Entry(id)
	if !ok {
		return fault.New(fault.KindRuleNotFound, "version.snapshot", id, nil)
	}
	snap := Snapshot{
		RuleID:     id,
		Content:    bytes.Clone(e.Content),
		Metadata:   e.Metadata,
		Reason:     reason,
		CapturedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := append([]Snapshot{snap}, m.snapshots[id]...)
	if len(snaps) > m.cfg.MaxSnapshots {
		snaps = snaps[:m.cfg.MaxSnapshots]
	}
	m.snapshots[id] = snaps
	return nil
}

// RollbackRule restores snapshot index (0 is the most recent) of id into the
// cache and removes it from the history. The replaced content, if any, is
// saved as a new most recent snapshot with reason "rollback", so rolling
// back index 0 again undoes the rollback. It returns false when no snapshot
// exists at index.
func (m *Manager) RollbackRule(id string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[id]
	if index < 0 || index >= len(snaps) {
		return false, nil
	}
	snap := snaps[index]
	current, cached := m.cache.Entry(id)
	if err := m.cache.Set(id, snap.Content, snap.Metadata); err != nil {
		return false, fault.Wrap(fault.KindCache, "version.rollback", id, err)
	}

	rest := append(snaps[:index:index], snaps[index+1:]...)
	if cached {
		replaced := Snapshot{
			RuleID:     id,
			Content:    bytes.Clone(current.Content),
			Metadata:   current.Metadata,
			Reason:     ReasonRollback,
			CapturedAt: time.Now(),
		}
		rest = append([]Snapshot{replaced}, rest...)
		if len(rest) > m.cfg.MaxSnapshots {
			rest = rest[:m.cfg.MaxSnapshots]
		}
	}
	if len(rest) == 0 {
		delete(m.snapshots, id)
	} else {
		m.snapshots[id] = rest
	}
	delete(m.invalidated, id)
	return true, nil
}

// Snapshots returns the snapshot history of id, most recent first.
func (m *Manager) Snapshots(id string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.snapshots[id]...)
}

// Reset clears the cache, all snapshots and invalidation records.
func (m *Manager) Reset() {
	m.cache.Clear()
	m.mu.Lock()
	clear(m.snapshots)
	clear(m.invalidated)
	m.mu.Unlock()
}

// Run refreshes outdated rules every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("version: refresh interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.AutoRefresh(ctx, RefreshOptions{}); err != nil {
				m.cfg.Logger.Warn(ctx, "periodic refresh failed", observe.F("error", err))
			}
		}
	}
}

func joinFailures(failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = failed[id]
	}
	return errors.Join(errs...)
}
