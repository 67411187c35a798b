// Package audit implements the tamper-evident, hash-chained audit trail
// at the core of the compliance platform.
//
// Every compliance check, financial transaction, and state transition is
// recorded as an Event in an append-only SQLite log. Each event carries
// two digests: an event hash, SHA-256 over the canonical field set, and
// a chain hash, HMAC-SHA256(secret, previous chain hash || event hash).
// Altering any stored event breaks its own digest; reordering, inserting,
// or removing events breaks the chain, and without the secret an attacker
// with write access to the store cannot recompute a consistent chain.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenesisHash is the fixed predecessor of the first chain link: an
// all-zero 256-bit value in hex.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Chain computes event and chain digests. The secret is loaded once at
// construction and read-only afterwards; rotating it requires starting a
// fresh chain from a new genesis.
type Chain struct {
	secret []byte
}

// NewChain creates the hash engine for a trail. An empty secret is a
// ConfigurationError — the chain's tamper evidence depends on it.
func NewChain(secret []byte) (*Chain, error) {
	if len(strings.TrimSpace(string(secret))) == 0 {
		return nil, &ConfigurationError{
			Setting: "chain secret",
			Reason:  "must not be empty (set CLAIMTRAIL_CHAIN_SECRET)",
		}
	}
	return &Chain{secret: secret}, nil
}

// EventDigest returns the hex SHA-256 of a canonical event serialization.
func (c *Chain) EventDigest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ChainDigest binds an event digest to the entire preceding sequence:
// HMAC-SHA256(secret, prevChainDigest || eventDigest). The first event
// uses GenesisHash as its predecessor.
func (c *Chain) ChainDigest(prevChainDigest, eventDigest string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(prevChainDigest))
	mac.Write([]byte(eventDigest))
	return hex.EncodeToString(mac.Sum(nil))
}

// digestEvent canonicalizes an event and returns its event digest.
func (c *Chain) digestEvent(e *Event) (string, error) {
	canonical, err := canonicalize(e)
	if err != nil {
		return "", err
	}
	return c.EventDigest(canonical), nil
}

// digestsEqual compares two hex digests in constant time.
func digestsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
