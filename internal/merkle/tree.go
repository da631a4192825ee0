package merkle

import (
	"bytes"
	"errors"
	"sort"
	"strings"
)

var (
	ErrEmptyTree       = errors.New("merkle: no members")
	ErrInvalidMember   = errors.New("merkle: invalid member address")
	ErrDuplicateMember = errors.New("merkle: duplicate member")
	ErrUnknownMember   = errors.New("merkle: member not in tree")
)

type Member struct {
	Address string `json:"address" validate:"required"`
	Weight  uint64 `json:"weight" validate:"required,gt=0"`
}

// Tree is a sorted-pair Merkle tree over member leaves. Odd nodes are promoted
// to the next level unchanged.
type Tree struct {
	levels [][]Hash
	index  map[string]int
}

func BuildTree(members []Member) (*Tree, error) {
	if len(members) == 0 {
		return nil, ErrEmptyTree
	}
	type entry struct {
		addr string
		leaf Hash
	}
	entries := make([]entry, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		addr := strings.ToLower(strings.TrimSpace(m.Address))
		leaf, ok := LeafHash(addr, m.Weight)
		if !ok {
			return nil, ErrInvalidMember
		}
		if seen[addr] {
			return nil, ErrDuplicateMember
		}
		seen[addr] = true
		entries = append(entries, entry{addr: addr, leaf: leaf})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].leaf[:], entries[j].leaf[:]) < 0
	})

	t := &Tree{index: make(map[string]int, len(entries))}
	level := make([]Hash, len(entries))
	for i, e := range entries {
		level[i] = e.leaf
		t.index[e.addr] = i
	}
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

func (t *Tree) Root() Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling path for address, as hex strings.
func (t *Tree) Proof(address string) ([]string, error) {
	idx, ok := t.index[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return nil, ErrUnknownMember
	}
	proof := []string{}
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib < len(level) {
			proof = append(proof, level[sib].Hex())
		}
		idx /= 2
	}
	return proof, nil
}
