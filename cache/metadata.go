package cache

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RuleMetadata describes one cached rule. Values are immutable: a change
// replaces the whole record.
type RuleMetadata struct {
	ID           string    `json:"id" yaml:"id"`
	Version      string    `json:"version" yaml:"version"`
	Tags         []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
	Checksum     uint64    `json:"checksum" yaml:"-"`
}

// Entry is a rule's content together with its metadata.
type Entry struct {
	Metadata RuleMetadata `json:"metadata"`
	Content  []byte       `json:"content"`
}

// NewEntry builds an entry, normalizing tags and computing the checksum.
func NewEntry(id, version string, tags []string, modified time.Time, content []byte) Entry {
	return Entry{
		Metadata: RuleMetadata{
			ID:           id,
			Version:      version,
			Tags:         NormalizeTags(tags),
			LastModified: modified,
			Checksum:     Checksum(content),
		},
		Content: content,
	}
}

// Checksum returns the xxhash of rule content.
func Checksum(content []byte) uint64 {
	return xxhash.Sum64(content)
}

// ChecksumHex returns the checksum formatted as 16 hex digits.
func (m RuleMetadata) ChecksumHex() string {
	s := strconv.FormatUint(m.Checksum, 16)
	return strings.Repeat("0", 16-len(s)) + s
}

// HasTags reports whether the rule carries every tag in tags.
func (m RuleMetadata) HasTags(tags ...string) bool {
	for _, t := range tags {
		if _, ok := slices.BinarySearch(m.Tags, t); !ok {
			return false
		}
	}
	return true
}

// NormalizeTags returns tags as a sorted set without blanks.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m RuleMetadata) normalized(id string, content []byte) RuleMetadata {
	m.ID = id
	m.Tags = NormalizeTags(m.Tags)
	if m.Checksum == 0 {
		m.Checksum = Checksum(content)
	}
	return m
}
