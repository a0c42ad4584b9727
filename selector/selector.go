// Package selector turns a caller's description of which rules to run, and
// how, into an ordered execution Plan.
//
// A Selector names rules by id and/or by tag. Tags use AND semantics: a
// rule matches when it carries every requested tag. The Resolver combines
// both sets, drops ids that are not cached, and stages the result according
// to the execution mode and any declared dependencies.
package selector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/ruleops/fault"
)

// ModeType is how the rules of a selector or group are run.
type ModeType string

const (
	ModeParallel   ModeType = "parallel"
	ModeSequential ModeType = "sequential"
	ModeMixed      ModeType = "mixed"
)

// Valid reports whether m is a known mode.
func (m ModeType) Valid() bool {
	switch m {
	case ModeParallel, ModeSequential, ModeMixed:
		return true
	default:
		return false
	}
}

// Group is an ordered list of rules run with one sub-mode inside a mixed
// execution.
type Group struct {
	Rules []string `json:"rules" yaml:"rules"`
	Mode  ModeType `json:"mode" yaml:"mode"`
}

// Mode is the execution mode of a selector. Groups are used only when Type
// is ModeMixed.
type Mode struct {
	Type   ModeType `json:"type" yaml:"type"`
	Groups []Group  `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Selector describes which rules to run and how.
//
// A nil IDs or Tags slice means "not given"; a non-nil empty slice is
// invalid.
type Selector struct {
	IDs  []string `json:"ids,omitempty" yaml:"ids,omitempty"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Mode Mode     `json:"mode" yaml:"mode"`
}

// ErrInvalidSelector is wrapped by every selector validation violation.
var ErrInvalidSelector = errors.New("selector: invalid selector")

// Validate checks the selector's structure and returns every violation,
// joined, as a fault.KindInvalidInput error.
func (s Selector) Validate() error {
	var errs []error
	violation := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidSelector}, args...)...))
	}

	if s.IDs == nil && s.Tags == nil {
		violation("ids or tags are required")
	}
	if s.IDs != nil && len(s.IDs) == 0 {
		violation("ids must not be empty when given")
	}
	if s.Tags != nil && len(s.Tags) == 0 {
		violation("tags must not be empty when given")
	}
	for i, id := range s.IDs {
		if strings.TrimSpace(id) == "" {
			violation("ids[%d] is blank", i)
		}
	}
	for i, tag := range s.Tags {
		if strings.TrimSpace(tag) == "" {
			violation("tags[%d] is blank", i)
		}
	}

	if !s.Mode.Type.Valid() {
		violation("unknown mode %q", s.Mode.Type)
	}
	if s.Mode.Type == ModeMixed {
		if len(s.Mode.Groups) == 0 {
			violation("mixed mode requires groups")
		}
		for i, g := range s.Mode.Groups {
			if len(g.Rules) == 0 {
				violation("group %d has no rules", i)
			}
			if g.Mode != ModeParallel && g.Mode != ModeSequential {
				violation("group %d has mode %q, want parallel or sequential", i, g.Mode)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fault.New(fault.KindInvalidInput, "selector.validate", "", errors.Join(errs...))
}

// Parse decodes a YAML or JSON selector document. Unknown fields are
// rejected.
func Parse(data []byte) (Selector, error) {
	var s Selector
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Selector{}, fault.New(fault.KindInvalidInput, "selector.parse", "", err)
	}
	return s, nil
}

// LoadFile reads and parses a selector file.
func LoadFile(path string) (Selector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Selector{}, fmt.Errorf("selector: read %s: %w", path, err)
	}
	return Parse(data)
}

// dedup returns a copy of in without repeats, keeping first-seen order.
func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
