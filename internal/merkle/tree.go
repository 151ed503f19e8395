package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoLeaves      = errors.New("empty leaf set")
	ErrZeroLeaf      = errors.New("zero leaf hash")
	ErrDuplicateLeaf = errors.New("duplicate leaf hash")
)

// LeafHash hashes one payout entry into its leaf. The preimage is the
// fixed-width concatenation uint256(index) || payee || uint256(amount),
// 84 bytes, the same layout the settlement contract rebuilds on claim.
func LeafHash(index uint32, payee common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("leaf amount must be non-negative")
	}
	if amount.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("leaf amount exceeds uint256")
	}

	idx := common.BigToHash(new(big.Int).SetUint64(uint64(index)))
	amt := common.BigToHash(amount)

	buf := make([]byte, 0, 84)
	buf = append(buf, idx[:]...)
	buf = append(buf, payee.Bytes()...)
	buf = append(buf, amt[:]...)

	return crypto.Keccak256Hash(buf), nil
}

// Tree is a binary commitment over an ordered leaf set. Interior nodes hash
// the byte-wise sorted pair, so proofs carry no left/right flags. An unpaired
// node at the end of a level is promoted to the next level unchanged.
type Tree struct {
	levels [][]common.Hash
}

// Build constructs the tree over the given leaf hashes. The leaf order is
// part of the commitment: the same set in a different order yields a
// different root.
func Build(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	seen := make(map[common.Hash]struct{}, len(leaves))
	for _, leaf := range leaves {
		if leaf == (common.Hash{}) {
			return nil, ErrZeroLeaf
		}
		if _, ok := seen[leaf]; ok {
			return nil, ErrDuplicateLeaf
		}
		seen[leaf] = struct{}{}
	}

	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	levels := [][]common.Hash{level}

	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, pairHash(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the committed root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built over.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the sibling hashes proving inclusion of the leaf at index,
// ordered leaf to root. Levels where the node was promoted contribute no
// sibling, so proofs over non-power-of-two trees are shorter on that path.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.levels[0]))
	}

	proof := make([]common.Hash, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify folds leaf through proof and compares the result against root.
// It is the exact inverse of Proof over the same tree.
func Verify(root common.Hash, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = pairHash(node, sibling)
	}
	return node == root
}

func pairHash(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}
