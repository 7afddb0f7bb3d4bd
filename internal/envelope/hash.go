package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashing. The version suffix enables
// future algorithm migration without ambiguity.
const (
	domainState = "meshforge/state/v1"
	domainLease = "meshforge/lease/v1"
)

// hashWithDomain computes SHA-256 over domain || 0x00 || data. The null
// separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash computes the deterministic hash of an agent state. Two engines
// that processed the same ordered event sequence must produce equal hashes.
func StateHash(s AgentState) (string, error) {
	canonical, err := marshalValue(s.canonicalMap())
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return hashWithDomain(domainState, canonical), nil
}

// LeaseToken derives a lock lease token from the acquiring command's message
// id. The derivation is deterministic so replay regenerates identical
// tokens.
func LeaseToken(messageID string) string {
	return hashWithDomain(domainLease, []byte(messageID))[:32]
}
