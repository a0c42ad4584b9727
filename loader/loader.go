// Package loader fetches rule artifacts from an upstream source.
//
// Two implementations ship with ruleops: HTTPLoader talks to a remote rule
// registry through a resilience.Service, and FileLoader reads rules from a
// local directory and can watch it for changes. Callers depend only on the
// Loader interface.
package loader

import (
	"context"
	"errors"

	"github.com/jonwraymond/ruleops/cache"
)

// Loader is the upstream source of rules.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Context: all methods honor cancellation and deadlines.
//   - Errors: a missing rule is fault.KindRuleNotFound; transport failures are
//     fault.KindNetwork.
//   - Ownership: returned entries belong to the caller.
type Loader interface {
	// LoadAll returns every rule of a project keyed by rule id.
	LoadAll(ctx context.Context, projectID string) (map[string]cache.Entry, error)

	// LoadOne returns a single rule.
	LoadOne(ctx context.Context, id string) (cache.Entry, error)

	// CheckVersions reports, per rule id, whether the given version is
	// outdated upstream. Ids unknown upstream report true.
	CheckVersions(ctx context.Context, versions map[string]string) (map[string]bool, error)
}

// Pinger is implemented by loaders that can probe their source cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Errors returned by loaders.
var (
	// ErrInvalidRuleID indicates an id that cannot name a rule file or URL.
	ErrInvalidRuleID = errors.New("loader: invalid rule id")

	// ErrMissingBaseURL indicates an HTTPLoader without a base URL.
	ErrMissingBaseURL = errors.New("loader: base URL is required")

	// ErrMissingRoot indicates a FileLoader without a root directory.
	ErrMissingRoot = errors.New("loader: root directory is required")
)
