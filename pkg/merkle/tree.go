// Package merkle builds the fixed-depth MiMC commitment tree the reference
// engine proves membership against. The empty leaf is the zero hash and empty
// subtrees hash to precomputed zero roots, the same shape the mixer contract
// keeps on-chain with its filled-subtrees array.
package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/mixerzk/internal/mimc"
)

// MaxLevels bounds the depth so that leaf indices fit in a uint32.
const MaxLevels = 32

// Tree holds every layer of a tree built from an ordered leaf list.
type Tree struct {
	levels int
	layers [][]common.Hash // layers[0] are the leaves, layers[levels] the root
	zeros  []common.Hash
}

// HashPair hashes two children into their parent.
func HashPair(left, right common.Hash) common.Hash {
	return mimc.Sum(left[:], right[:])
}

// Zeros returns the roots of empty subtrees for heights 0..levels.
func Zeros(levels int) []common.Hash {
	zeros := make([]common.Hash, levels+1)
	for i := 1; i <= levels; i++ {
		zeros[i] = HashPair(zeros[i-1], zeros[i-1])
	}
	return zeros
}

// New builds a tree of the given depth over leaves.
func New(levels int, leaves []common.Hash) (*Tree, error) {
	if levels <= 0 || levels > MaxLevels {
		return nil, fmt.Errorf("tree levels must be in [1,%d], got %d", MaxLevels, levels)
	}
	if uint64(len(leaves)) > uint64(1)<<levels {
		return nil, fmt.Errorf("tree capacity exceeded: %d leaves, max=%d", len(leaves), uint64(1)<<levels)
	}

	t := &Tree{
		levels: levels,
		layers: make([][]common.Hash, levels+1),
		zeros:  Zeros(levels),
	}
	t.layers[0] = append([]common.Hash(nil), leaves...)
	for lvl := 0; lvl < levels; lvl++ {
		cur := t.layers[lvl]
		next := make([]common.Hash, (len(cur)+1)/2)
		for i := range next {
			left := cur[2*i]
			right := t.zeros[lvl]
			if 2*i+1 < len(cur) {
				right = cur[2*i+1]
			}
			next[i] = HashPair(left, right)
		}
		t.layers[lvl+1] = next
	}
	return t, nil
}

// Levels returns the tree depth.
func (t *Tree) Levels() int { return t.levels }

// Size returns the number of leaves.
func (t *Tree) Size() int { return len(t.layers[0]) }

// Root returns the tree root; an empty tree has the zero root of its depth.
func (t *Tree) Root() common.Hash {
	if top := t.layers[t.levels]; len(top) > 0 {
		return top[0]
	}
	return t.zeros[t.levels]
}

// Path returns the sibling hashes from the leaf at index up to the root.
func (t *Tree) Path(index uint64) ([]common.Hash, error) {
	if index >= uint64(t.Size()) {
		return nil, fmt.Errorf("leaf position %d out of bounds (size=%d)", index, t.Size())
	}
	path := make([]common.Hash, t.levels)
	cur := index
	for lvl := 0; lvl < t.levels; lvl++ {
		sib := cur ^ 1
		if sib < uint64(len(t.layers[lvl])) {
			path[lvl] = t.layers[lvl][sib]
		} else {
			path[lvl] = t.zeros[lvl]
		}
		cur /= 2
	}
	return path, nil
}

// Verify recomputes the root from a leaf and its path.
func Verify(leaf common.Hash, index uint64, path []common.Hash, root common.Hash) bool {
	cur := leaf
	for _, sib := range path {
		if index%2 == 0 {
			cur = HashPair(cur, sib)
		} else {
			cur = HashPair(sib, cur)
		}
		index /= 2
	}
	return index == 0 && cur == root
}
