// Package fault defines the error taxonomy shared by every ruleops package.
//
// Errors carry a Kind, the operation that produced them and, when relevant,
// the rule id. Kinds are matched with errors.Is against the package
// sentinels:
//
//	if errors.Is(err, fault.ErrTimeout) {
//	    // per-rule deadline exceeded
//	}
package fault

import (
	"errors"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindRuleNotFound means the rule is not present in the cache or upstream.
	KindRuleNotFound
	// KindNetwork covers loader and transport failures.
	KindNetwork
	// KindTimeout means a per-call deadline was exceeded.
	KindTimeout
	// KindInvalidInput covers selector and configuration validation.
	KindInvalidInput
	// KindExecution is an evaluator-side failure not otherwise classified.
	KindExecution
	// KindCache covers rule cache failures.
	KindCache
	// KindCircuitOpen means the call was rejected by an open circuit breaker.
	KindCircuitOpen
	// KindRateLimitExceeded means the call was rejected by a rate limiter.
	KindRateLimitExceeded
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRuleNotFound:
		return "rule_not_found"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindInvalidInput:
		return "invalid_input"
	case KindExecution:
		return "execution"
	case KindCache:
		return "cache"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindCircuitOpen, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// Sentinel errors, one per kind. Use with errors.Is.
var (
	ErrRuleNotFound      = &Error{Kind: KindRuleNotFound}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrExecution         = &Error{Kind: KindExecution}
	ErrCache             = &Error{Kind: KindCache}
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen}
	ErrRateLimitExceeded = &Error{Kind: KindRateLimitExceeded}
)

// Error is a classified error.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation name, e.g. "rule:pricing" or "loader.load_one".
	Op string

	// RuleID is the rule the failure is attributed to, if any.
	RuleID string

	// Err is the wrapped cause.
	Err error

	// retryable overrides Kind.Retryable when set.
	retryable *bool
}

// New creates a classified error.
func New(kind Kind, op, ruleID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RuleID: ruleID, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.RuleID != "" {
		b.WriteString(" rule=")
		b.WriteString(e.RuleID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of op, rule or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the error is transient.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.Kind.Retryable()
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err, or anything it wraps, is explicitly marked
// retryable or has a retryable kind.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// MarkRetryable wraps err so IsRetryable reports retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	yes := true
	if fe, ok := err.(*Error); ok {
		cp := *fe
		cp.retryable = &yes
		return &cp
	}
	return &Error{Kind: KindOf(err), Err: err, retryable: &yes}
}

// Wrap classifies err unless it is already classified. An existing
// classification keeps its kind and gains the op and rule id if it lacks them.
func Wrap(kind Kind, op, ruleID string, err error) error {
	if err == nil {
		return nil
	}
	existing := KindOf(err)
	if existing == KindUnknown {
		return &Error{Kind: kind, Op: op, RuleID: ruleID, Err: err}
	}
	fe, ok := err.(*Error)
	if !ok {
		return &Error{Kind: existing, Op: op, RuleID: ruleID, Err: err}
	}
	if (fe.Op != "" || op == "") && (fe.RuleID != "" || ruleID == "") {
		return err
	}
	cp := *fe
	if cp.Op == "" {
		cp.Op = op
	}
	if cp.RuleID == "" {
		cp.RuleID = ruleID
	}
	return &cp
}
