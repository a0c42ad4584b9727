package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jonwraymond/ruleops/document"
)

// Keyer derives result cache keys.
//
// Contract:
// - Determinism: equal inputs produce equal keys regardless of map key order.
// - Versioning: a change in rule content changes the key.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(meta RuleMetadata, input document.Value) (string, error)
}

// DefaultKeyer derives keys from the rule id, its content checksum and a
// SHA-256 of the canonical input.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key returns result:<ruleID>:<checksum>:<hash>, where hash is the first
// 16 hex characters of SHA-256(canonical JSON(input)).
func (k *DefaultKeyer) Key(meta RuleMetadata, input document.Value) (string, error) {
	canonical, err := input.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize input: %w", err)
	}

	hash := sha256.Sum256(canonical)
	key := fmt.Sprintf("result:%s:%s:%s", meta.ID, meta.ChecksumHex(), hex.EncodeToString(hash[:8]))
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

var _ Keyer = (*DefaultKeyer)(nil)
