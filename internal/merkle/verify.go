// Package merkle verifies membership of (address, weight) leaves under a
// committed root. Hashing matches the registry contract: leaves are
// keccak256(address ‖ uint256(weight)) and inner nodes hash the sorted pair.
package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

const HashLen = 32

type Hash [HashLen]byte

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Verifier checks inclusion proofs. Implementations must be deterministic and
// fail closed.
type Verifier interface {
	Verify(root, address string, weight uint64, proof []string) bool
}

// Keccak is the production Verifier.
type Keccak struct{}

func (Keccak) Verify(root, address string, weight uint64, proof []string) bool {
	return Verify(root, address, weight, proof)
}

// Verify reports whether (address, weight) is committed under root. Any
// malformed input yields false.
func Verify(root, address string, weight uint64, proof []string) bool {
	r, ok := ParseHash(root)
	if !ok {
		return false
	}
	leaf, ok := LeafHash(address, weight)
	if !ok {
		return false
	}
	node := leaf
	for _, p := range proof {
		sib, ok := ParseHash(p)
		if !ok {
			return false
		}
		node = hashPair(node, sib)
	}
	return node == r
}

// LeafHash computes the leaf commitment for an approver.
func LeafHash(address string, weight uint64) (Hash, bool) {
	addr, ok := parseAddress(address)
	if !ok {
		return Hash{}, false
	}
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], weight)
	return keccak(addr, word[:]), true
}

// ProofDigest is a compact reference to a proof, stored alongside approvals.
func ProofDigest(proof []string) Hash {
	parts := make([][]byte, 0, len(proof))
	for _, p := range proof {
		parts = append(parts, []byte(strings.ToLower(strings.TrimSpace(p))))
	}
	return keccak(parts...)
}

func ParseHash(s string) (Hash, bool) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	if len(s) != 2*HashLen {
		return h, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func parseAddress(s string) ([]byte, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return nil, false
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, false
	}
	return b, true
}

func hashPair(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return keccak(a[:], b[:])
}

func keccak(parts ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}
