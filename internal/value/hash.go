package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix enables future algorithm migration.
const (
	DomainContent  = "retrace/content/v1"
	DomainIdentity = "retrace/identity/v1"
	DomainCode     = "retrace/code/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentID computes the content-addressed ID of a value.
// Identical values always produce the same ID, across processes and
// store/reload cycles.
func ContentID(v Value) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("ContentID: %w", err)
	}
	return hashWithDomain(DomainContent, canonical), nil
}

// IdentityKey computes the stable key for a logical slot: the same
// (run token, scope, slot name) triple always yields the same identity.
func IdentityKey(runToken, scope, slot string) string {
	return hashWithDomain(DomainIdentity, []byte(runToken+"\x00"+scope+"\x00"+slot))
}

// CodeID computes the content-addressed ID of a code definition's source.
func CodeID(source string) string {
	return hashWithDomain(DomainCode, []byte(source))
}

// MustContentID is like ContentID but panics on error.
// Use only in tests or when inputs are known to be canonical.
func MustContentID(v Value) string {
	id, err := ContentID(v)
	if err != nil {
		panic(err)
	}
	return id
}
