package cache

import (
	"slices"
)

// TagIndex maps tags to rule ids and rule ids to tags. An index is
// immutable once built.
type TagIndex struct {
	byTag  map[string][]string
	byRule map[string][]string
}

// BuildTagIndex indexes the tags of every rule in meta.
func BuildTagIndex(meta map[string]RuleMetadata) *TagIndex {
	ix := &TagIndex{
		byTag:  make(map[string][]string),
		byRule: make(map[string][]string, len(meta)),
	}
	for id, m := range meta {
		tags := NormalizeTags(m.Tags)
		ix.byRule[id] = tags
		for _, t := range tags {
			ix.byTag[t] = append(ix.byTag[t], id)
		}
	}
	for t := range ix.byTag {
		slices.Sort(ix.byTag[t])
	}
	return ix
}

// Match returns the sorted ids of rules carrying every tag. An empty tag
// list, or any tag that matches no rule, yields an empty result.
func (ix *TagIndex) Match(tags []string) []string {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return []string{}
	}

	// Start from the smallest posting list.
	lists := make([][]string, 0, len(tags))
	for _, t := range tags {
		ids, ok := ix.byTag[t]
		if !ok {
			return []string{}
		}
		lists = append(lists, ids)
	}
	slices.SortFunc(lists, func(a, b []string) int { return len(a) - len(b) })

	out := slices.Clone(lists[0])
	for _, other := range lists[1:] {
		out = intersectSorted(out, other)
		if len(out) == 0 {
			return []string{}
		}
	}
	return out
}

// RulesForTag returns the sorted ids of rules carrying tag.
func (ix *TagIndex) RulesForTag(tag string) []string {
	return slices.Clone(ix.byTag[tag])
}

// TagsForRule returns the sorted tags of rule id.
func (ix *TagIndex) TagsForRule(id string) []string {
	return slices.Clone(ix.byRule[id])
}

// Tags returns every indexed tag, sorted.
func (ix *TagIndex) Tags() []string {
	out := make([]string, 0, len(ix.byTag))
	for t := range ix.byTag {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func intersectSorted(a, b []string) []string {
	out := a[:0]
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
