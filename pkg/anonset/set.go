// Package anonset maintains the ordered, append-only list of deposit
// commitments (the anonymity set) of a mixer contract and resolves a note's
// commitment to its leaf index.
package anonset

import (
	"fmt"
	"time"

	"github.com/yourorg/mixerzk/pkg/mixerr"
	"github.com/yourorg/mixerzk/pkg/note"
)

// Leaf is one inserted commitment. Index is its position in the tree; Height
// and TxHash record where it was observed.
type Leaf struct {
	Index      uint32          `json:"index"`
	Commitment note.Commitment `json:"commitment"`
	Height     int64           `json:"height"`
	TxHash     string          `json:"tx_hash,omitempty"`
}

// Set is an immutable snapshot of a contract's anonymity set. The zero value
// is an empty set.
type Set struct {
	contract  string
	leaves    []Leaf
	fetchedAt time.Time
}

// NewSet validates that leaves are indexed 0..n-1 in order.
func NewSet(contract string, leaves []Leaf, fetchedAt time.Time) (Set, error) {
	for i, l := range leaves {
		if l.Index != uint32(i) {
			return Set{}, fmt.Errorf("leaf at position %d has index %d", i, l.Index)
		}
	}
	return Set{
		contract:  contract,
		leaves:    append([]Leaf(nil), leaves...),
		fetchedAt: fetchedAt,
	}, nil
}

func (s Set) Contract() string     { return s.contract }
func (s Set) Len() int             { return len(s.leaves) }
func (s Set) FetchedAt() time.Time { return s.fetchedAt }

// Leaf returns the leaf at index i.
func (s Set) Leaf(i uint32) (Leaf, bool) {
	if int64(i) >= int64(len(s.leaves)) {
		return Leaf{}, false
	}
	return s.leaves[i], true
}

// Leaves returns a copy of the leaves in index order.
func (s Set) Leaves() []Leaf {
	return append([]Leaf(nil), s.leaves...)
}

// Commitments returns a copy of the commitments in index order.
func (s Set) Commitments() []note.Commitment {
	out := make([]note.Commitment, len(s.leaves))
	for i, l := range s.leaves {
		out[i] = l.Commitment
	}
	return out
}

// LastHeight is the height of the newest leaf, or 0 for an empty set.
func (s Set) LastHeight() int64 {
	if len(s.leaves) == 0 {
		return 0
	}
	return s.leaves[len(s.leaves)-1].Height
}

// Resolve finds the unique leaf holding c.
func Resolve(s Set, c note.Commitment) (uint32, error) {
	var hits []uint32
	for _, l := range s.leaves {
		if l.Commitment == c {
			hits = append(hits, l.Index)
		}
	}
	switch len(hits) {
	case 0:
		return 0, &mixerr.NotFoundError{Commitment: c.Hex(), SetSize: len(s.leaves)}
	case 1:
		return hits[0], nil
	default:
		return 0, &mixerr.DuplicateCommitmentError{Commitment: c.Hex(), Indices: hits}
	}
}

// duplicates maps every commitment seen more than once to its indices.
func duplicates(leaves []Leaf) map[note.Commitment][]uint32 {
	seen := make(map[note.Commitment][]uint32, len(leaves))
	for _, l := range leaves {
		seen[l.Commitment] = append(seen[l.Commitment], l.Index)
	}
	for c, idx := range seen {
		if len(idx) < 2 {
			delete(seen, c)
		}
	}
	return seen
}
