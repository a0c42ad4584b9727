package engine

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/selector"
)

// GroupError describes one problem with an execution group.
type GroupError struct {
	// Group is the index of the offending group.
	Group int
	// RuleID is the offending rule, empty for group-level problems.
	RuleID string
	Reason string
}

func (e *GroupError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("group %d: %s", e.Group, e.Reason)
	}
	return fmt.Sprintf("group %d: rule %q: %s", e.Group, e.RuleID, e.Reason)
}

// ValidateExecutionGroups checks that every group has a parallel or
// sequential mode and at least one rule, that every rule is cached, and that
// no rule appears in more than one group. All problems are reported as
// *GroupError values joined into one fault.KindInvalidInput error.
func (e *Engine) ValidateExecutionGroups(groups []selector.Group) error {
	var errs []error
	if len(groups) == 0 {
		errs = append(errs, &GroupError{Group: -1, Reason: "no groups"})
	}

	owner := make(map[string]int)
	for i, g := range groups {
		if g.Mode != selector.ModeParallel && g.Mode != selector.ModeSequential {
			errs = append(errs, &GroupError{Group: i, Reason: fmt.Sprintf("invalid mode %q", g.Mode)})
		}
		if len(g.Rules) == 0 {
			errs = append(errs, &GroupError{Group: i, Reason: "no rules"})
		}
		for _, id := range g.Rules {
			if id == "" {
				errs = append(errs, &GroupError{Group: i, Reason: "empty rule id"})
				continue
			}
			if _, ok := e.rules.Metadata(id); !ok {
				errs = append(errs, &GroupError{Group: i, RuleID: id, Reason: "rule not found"})
			}
			if first, ok := owner[id]; ok {
				errs = append(errs, &GroupError{Group: i, RuleID: id, Reason: fmt.Sprintf("already in group %d", first)})
				continue
			}
			owner[id] = i
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fault.New(fault.KindInvalidInput, "engine.validate_groups", "", errors.Join(errs...))
}
