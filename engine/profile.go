package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Profile is diagnostic timing data for one execution. It is collected only
// when profiling is enabled and never affects results.
type Profile struct {
	Rules           map[string]RuleTiming `json:"rules"`
	Batches         []BatchTiming         `json:"batches,omitempty"`
	Concurrency     map[int]int           `json:"concurrency_histogram"`
	PeakConcurrency int                   `json:"peak_concurrency"`
	Limit           int                   `json:"limit"`
	Wall            time.Duration         `json:"wall"`
	Busy            time.Duration         `json:"busy"`

	// Efficiency is Busy / (Wall × Limit), in [0, 1].
	Efficiency float64 `json:"efficiency"`

	Bottlenecks     []string `json:"bottlenecks,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// RuleTiming aggregates the evaluations of one rule.
type RuleTiming struct {
	Count  int           `json:"count"`
	Errors int           `json:"errors"`
	Total  time.Duration `json:"total"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
}

// Mean returns the mean evaluation time.
func (t RuleTiming) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// BatchTiming records one batch chunk.
type BatchTiming struct {
	Index   int           `json:"index"`
	Inputs  int           `json:"inputs"`
	Pairs   int           `json:"pairs"`
	Elapsed time.Duration `json:"elapsed"`
}

// bottleneckFactor is how far above the mean rule time a rule must be to be
// reported as a bottleneck.
const bottleneckFactor = 2.0

// profiler collects a Profile. A nil profiler records nothing.
type profiler struct {
	limit int
	start time.Time

	mu      sync.Mutex
	active  int
	peak    int
	hist    map[int]int
	rules   map[string]*RuleTiming
	batches []BatchTiming
	busy    time.Duration
}

func newProfiler(enabled bool, limit int) *profiler {
	if !enabled {
		return nil
	}
	return &profiler{
		limit: limit,
		start: time.Now(),
		hist:  make(map[int]int),
		rules: make(map[string]*RuleTiming),
	}
}

func (p *profiler) begin() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	p.hist[p.active]++
	if p.active > p.peak {
		p.peak = p.active
	}
}

func (p *profiler) end(id string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.busy += d

	t, ok := p.rules[id]
	if !ok {
		t = &RuleTiming{Min: d}
		p.rules[id] = t
	}
	t.Count++
	t.Total += d
	t.Min = min(t.Min, d)
	t.Max = max(t.Max, d)
	if err != nil {
		t.Errors++
	}
}

func (p *profiler) batch(index, inputs, pairs int, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, BatchTiming{Index: index, Inputs: inputs, Pairs: pairs, Elapsed: d})
}

// finish builds the Profile. It returns nil for a nil profiler.
func (p *profiler) finish() *Profile {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := &Profile{
		Rules:           make(map[string]RuleTiming, len(p.rules)),
		Batches:         slices.Clone(p.batches),
		Concurrency:     make(map[int]int, len(p.hist)),
		PeakConcurrency: p.peak,
		Limit:           p.limit,
		Wall:            time.Since(p.start),
		Busy:            p.busy,
	}
	for id, t := range p.rules {
		prof.Rules[id] = *t
	}
	for level, n := range p.hist {
		prof.Concurrency[level] = n
	}
	if prof.Wall > 0 && p.limit > 0 {
		prof.Efficiency = min(1, float64(p.busy)/(float64(prof.Wall)*float64(p.limit)))
	}
	prof.Bottlenecks = bottlenecks(prof.Rules)
	prof.Recommendations = recommendations(prof)
	return prof
}

func bottlenecks(rules map[string]RuleTiming) []string {
	if len(rules) < 2 {
		return nil
	}
	var total time.Duration
	var count int
	for _, t := range rules {
		total += t.Total
		count += t.Count
	}
	if count == 0 || total == 0 {
		return nil
	}
	mean := float64(total) / float64(count)

	type slow struct {
		id    string
		ratio float64
	}
	var found []slow
	for id, t := range rules {
		if r := float64(t.Mean()) / mean; r >= bottleneckFactor {
			found = append(found, slow{id, r})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].ratio != found[j].ratio {
			return found[i].ratio > found[j].ratio
		}
		return found[i].id < found[j].id
	})

	out := make([]string, 0, len(found))
	for _, s := range found {
		out = append(out, fmt.Sprintf("rule %s: mean %s is %.1fx the average", s.id, rules[s.id].Mean(), s.ratio))
	}
	return out
}

func recommendations(p *Profile) []string {
	var out []string
	switch {
	case p.PeakConcurrency >= p.Limit && p.Efficiency > 0.9:
		out = append(out, fmt.Sprintf("concurrency limit %d was saturated; raising it may reduce wall time", p.Limit))
	case p.Efficiency < 0.5 && p.PeakConcurrency < p.Limit && len(p.Rules) > 1:
		out = append(out, fmt.Sprintf("peak concurrency %d of %d: rules ran mostly one at a time; consider parallel or mixed mode", p.PeakConcurrency, p.Limit))
	}
	for _, id := range sortedKeys(p.Rules) {
		if t := p.Rules[id]; t.Errors > 0 {
			out = append(out, fmt.Sprintf("rule %s failed %d of %d evaluations", id, t.Errors, t.Count))
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
