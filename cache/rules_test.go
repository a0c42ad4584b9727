package cache

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

func meta(version string, tags ...string) RuleMetadata {
	return RuleMetadata{Version: version, Tags: tags, LastModified: time.Unix(1700000000, 0)}
}

func TestRuleCache_SetGet(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{})
	content := []byte(`{"expression":"amount > 10"}`)

	if err := c.Set("pricing", content, meta("1.0.0", "billing", "billing", " eu ")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Get("pricing")
	if !ok || !bytes.Equal(got, content) {
		t.Fatalf("Get() = %s, %v", got, ok)
	}

	m, ok := c.Metadata("pricing")
	if !ok {
		t.Fatal("Metadata() missing")
	}
	if m.ID != "pricing" {
		t.Errorf("ID = %q, want pricing", m.ID)
	}
	if !slices.Equal(m.Tags, []string{"billing", "eu"}) {
		t.Errorf("Tags = %v, want [billing eu]", m.Tags)
	}
	if m.Checksum != Checksum(content) {
		t.Error("checksum should be computed from content")
	}

	content[0] = 'X'
	if got, _ := c.Get("pricing"); got[0] == 'X' {
		t.Error("Set() should copy content")
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = true")
	}
	if s := c.Stats(); s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
}

func TestRuleCache_InvalidID(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{})
	err := c.Set(" ", []byte("x"), RuleMetadata{})
	if !errors.Is(err, fault.ErrCache) || !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set() error = %v, want cache kind wrapping ErrInvalidKey", err)
	}

	err = c.SetMultiple(map[string]Entry{"ok": {}, "": {}})
	if err == nil {
		t.Fatal("SetMultiple() should reject blank ids")
	}
	if c.Len() != 0 {
		t.Error("SetMultiple() should store nothing when validation fails")
	}
}

func TestRuleCache_FIFOEviction(t *testing.T) {
	var evicted []string
	c := NewRuleCache(RuleCacheConfig{
		MaxSize: 2,
		OnEvict: func(id string) { evicted = append(evicted, id) },
	})

	_ = c.Set("a", []byte("1"), meta("1"))
	_ = c.Set("b", []byte("2"), meta("1"))
	_ = c.Set("a", []byte("3"), meta("2")) // overwrite moves a to the back
	_ = c.Set("c", []byte("4"), meta("1"))

	if !slices.Equal(evicted, []string{"b"}) {
		t.Errorf("evicted = %v, want [b]", evicted)
	}
	if !slices.Equal(c.IDs(), []string{"a", "c"}) {
		t.Errorf("IDs() = %v, want [a c]", c.IDs())
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestRuleCache_SetMultipleDeterministicOrder(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{MaxSize: 2})
	err := c.SetMultiple(map[string]Entry{
		"c": NewEntry("c", "1", nil, time.Time{}, []byte("c")),
		"a": NewEntry("a", "1", nil, time.Time{}, []byte("a")),
		"b": NewEntry("b", "1", nil, time.Time{}, []byte("b")),
	})
	if err != nil {
		t.Fatalf("SetMultiple() error = %v", err)
	}
	if !slices.Equal(c.IDs(), []string{"b", "c"}) {
		t.Errorf("IDs() = %v, want [b c]", c.IDs())
	}
}

func TestRuleCache_DeleteClearGeneration(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{})
	g0 := c.Generation()

	_ = c.Set("a", []byte("1"), meta("1"))
	if c.Generation() == g0 {
		t.Error("Set() should bump generation")
	}

	g1 := c.Generation()
	if !c.Delete("a") {
		t.Error("Delete(a) = false")
	}
	if c.Delete("a") {
		t.Error("second Delete(a) = true")
	}
	if c.Generation() != g1+1 {
		t.Error("Delete of a missing rule should not bump generation")
	}

	_ = c.Set("b", []byte("1"), meta("1"))
	c.Clear()
	if c.Len() != 0 || len(c.AllMetadata()) != 0 {
		t.Error("Clear() should empty the cache")
	}
}

func TestRuleCache_RulesByTags(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{})
	_ = c.Set("r1", []byte("1"), meta("1", "billing", "eu"))
	_ = c.Set("r2", []byte("2"), meta("1", "billing"))
	_ = c.Set("r3", []byte("3"), meta("1", "eu", "billing", "vip"))
	_ = c.Set("r4", []byte("4"), meta("1"))

	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{"single", []string{"billing"}, []string{"r1", "r2", "r3"}},
		{"intersection", []string{"eu", "billing"}, []string{"r1", "r3"}},
		{"narrow", []string{"vip", "eu"}, []string{"r3"}},
		{"unknown tag short-circuits", []string{"billing", "nope"}, []string{}},
		{"empty", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.RulesByTags(tt.tags)
			if !slices.Equal(got, tt.want) {
				t.Errorf("RulesByTags(%v) = %v, want %v", tt.tags, got, tt.want)
			}
		})
	}

	// Every result is a superset of the query and nothing is missed.
	all := c.AllMetadata()
	query := []string{"eu", "billing"}
	got := c.RulesByTags(query)
	for id, m := range all {
		if m.HasTags(query...) != slices.Contains(got, id) {
			t.Errorf("rule %s: HasTags=%v, in result=%v", id, m.HasTags(query...), slices.Contains(got, id))
		}
	}
}

func TestRuleCache_TagIndexRebuiltOnlyOnChange(t *testing.T) {
	c := NewRuleCache(RuleCacheConfig{})
	_ = c.Set("r1", []byte("1"), meta("1", "a"))

	c.RulesByTags([]string{"a"})
	c.RulesByTags([]string{"a"})
	if n := c.Stats().IndexBuilds; n != 1 {
		t.Errorf("IndexBuilds = %d, want 1", n)
	}

	_ = c.Set("r2", []byte("2"), meta("1", "a"))
	if got := c.RulesByTags([]string{"a"}); !slices.Equal(got, []string{"r1", "r2"}) {
		t.Errorf("RulesByTags = %v after change", got)
	}
	if n := c.Stats().IndexBuilds; n != 2 {
		t.Errorf("IndexBuilds = %d, want 2", n)
	}
}

func TestRuleMetadata_ChecksumHex(t *testing.T) {
	m := RuleMetadata{Checksum: 0xabc}
	if got := m.ChecksumHex(); got != "0000000000000abc" {
		t.Errorf("ChecksumHex() = %q", got)
	}
}
