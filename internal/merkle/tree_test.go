package merkle

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testLeaves(t *testing.T, n int) []common.Hash {
	t.Helper()
	leaves := make([]common.Hash, 0, n)
	for i := 0; i < n; i++ {
		payee := common.BigToAddress(new(big.Int).SetInt64(int64(i + 1)))
		leaf, err := LeafHash(uint32(i), payee, big.NewInt(int64(1000+i)))
		if err != nil {
			t.Fatalf("leaf %d: %v", i, err)
		}
		leaves = append(leaves, leaf)
	}
	return leaves
}

func TestLeafHashDependsOnAllFields(t *testing.T) {
	payee := common.HexToAddress("0x1111111111111111111111111111111111111111")
	base, err := LeafHash(3, payee, big.NewInt(500))
	if err != nil {
		t.Fatalf("leaf hash: %v", err)
	}

	otherIndex, _ := LeafHash(4, payee, big.NewInt(500))
	if base == otherIndex {
		t.Fatalf("index change did not change leaf hash")
	}

	otherPayee, _ := LeafHash(3, common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(500))
	if base == otherPayee {
		t.Fatalf("payee change did not change leaf hash")
	}

	otherAmount, _ := LeafHash(3, payee, big.NewInt(501))
	if base == otherAmount {
		t.Fatalf("amount change did not change leaf hash")
	}
}

func TestLeafHashMatchesPackedPreimage(t *testing.T) {
	payee := common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa")
	amount := new(big.Int).Lsh(big.NewInt(1), 130)

	got, err := LeafHash(7, payee, amount)
	if err != nil {
		t.Fatalf("leaf hash: %v", err)
	}

	preimage := make([]byte, 84)
	binary.BigEndian.PutUint32(preimage[28:32], 7)
	copy(preimage[32:52], payee.Bytes())
	amount.FillBytes(preimage[52:84])

	if want := crypto.Keccak256Hash(preimage); got != want {
		t.Fatalf("leaf hash %s, want %s", got, want)
	}
}

func TestLeafHashRejectsBadAmounts(t *testing.T) {
	payee := common.HexToAddress("0x1111111111111111111111111111111111111111")

	if _, err := LeafHash(0, payee, nil); err == nil {
		t.Fatalf("nil amount accepted")
	}
	if _, err := LeafHash(0, payee, big.NewInt(-1)); err == nil {
		t.Fatalf("negative amount accepted")
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := LeafHash(0, payee, huge); err == nil {
		t.Fatalf("oversized amount accepted")
	}
}

func TestBuildRejectsBadLeafSets(t *testing.T) {
	if _, err := Build(nil); !errors.Is(err, ErrNoLeaves) {
		t.Fatalf("empty set: got %v, want %v", err, ErrNoLeaves)
	}

	leaves := testLeaves(t, 3)
	leaves[1] = common.Hash{}
	if _, err := Build(leaves); !errors.Is(err, ErrZeroLeaf) {
		t.Fatalf("zero leaf: got %v, want %v", err, ErrZeroLeaf)
	}

	leaves = testLeaves(t, 3)
	leaves[2] = leaves[0]
	if _, err := Build(leaves); !errors.Is(err, ErrDuplicateLeaf) {
		t.Fatalf("duplicate leaf: got %v, want %v", err, ErrDuplicateLeaf)
	}
}

func TestSingleLeafTree(t *testing.T) {
	leaves := testLeaves(t, 1)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tree.Root() != leaves[0] {
		t.Fatalf("single leaf root %s, want leaf %s", tree.Root(), leaves[0])
	}

	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("single leaf proof has %d siblings, want 0", len(proof))
	}
	if !Verify(tree.Root(), leaves[0], proof) {
		t.Fatalf("single leaf proof rejected")
	}
}

func TestProofRoundTripAllSizes(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := testLeaves(t, n)
		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("build n=%d: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("proof n=%d i=%d: %v", n, i, err)
			}
			if !Verify(tree.Root(), leaves[i], proof) {
				t.Fatalf("proof rejected n=%d i=%d", n, i)
			}
		}
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	leaves := testLeaves(t, 5)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	mutatedLeaf := leaves[2]
	mutatedLeaf[0] ^= 0xff
	if Verify(tree.Root(), mutatedLeaf, proof) {
		t.Fatalf("mutated leaf verified")
	}

	if len(proof) == 0 {
		t.Fatalf("expected non-empty proof")
	}
	mutatedProof := append([]common.Hash(nil), proof...)
	mutatedProof[0][31] ^= 0x01
	if Verify(tree.Root(), leaves[2], mutatedProof) {
		t.Fatalf("mutated proof verified")
	}

	if Verify(tree.Root(), leaves[2], proof[:len(proof)-1]) {
		t.Fatalf("truncated proof verified")
	}

	wrongRoot := tree.Root()
	wrongRoot[5] ^= 0x10
	if Verify(wrongRoot, leaves[2], proof) {
		t.Fatalf("wrong root verified")
	}

	if Verify(tree.Root(), leaves[3], proof) {
		t.Fatalf("proof verified against the wrong leaf")
	}
}

func TestRootIsOrderSensitiveAndDeterministic(t *testing.T) {
	leaves := testLeaves(t, 6)

	first, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := Build(leaves)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if first.Root() != second.Root() {
		t.Fatalf("same leaves produced different roots: %s vs %s", first.Root(), second.Root())
	}

	swapped := append([]common.Hash(nil), leaves...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	reordered, err := Build(swapped)
	if err != nil {
		t.Fatalf("build swapped: %v", err)
	}
	if reordered.Root() == first.Root() {
		t.Fatalf("leaf order change did not change root")
	}
}

func TestOddNodePromotion(t *testing.T) {
	leaves := testLeaves(t, 3)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Third leaf pairs with nothing at level zero, so it must meet the
	// hash of the first pair at level one, unduplicated.
	want := pairHash(pairHash(leaves[0], leaves[1]), leaves[2])
	if tree.Root() != want {
		t.Fatalf("odd tree root %s, want %s", tree.Root(), want)
	}

	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 1 {
		t.Fatalf("promoted leaf proof has %d siblings, want 1", len(proof))
	}
	if proof[0] != pairHash(leaves[0], leaves[1]) {
		t.Fatalf("promoted leaf sibling mismatch")
	}
}

func TestPairHashIsCommutative(t *testing.T) {
	leaves := testLeaves(t, 2)
	if pairHash(leaves[0], leaves[1]) != pairHash(leaves[1], leaves[0]) {
		t.Fatalf("pair hash depends on operand order")
	}
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, err := Build(testLeaves(t, 4))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := tree.Proof(-1); err == nil {
		t.Fatalf("negative index accepted")
	}
	if _, err := tree.Proof(4); err == nil {
		t.Fatalf("index past end accepted")
	}
}

func FuzzProofRoundTrip(f *testing.F) {
	f.Add(uint8(1), uint64(1))
	f.Add(uint8(7), uint64(42))
	f.Add(uint8(33), uint64(1<<40))

	f.Fuzz(func(t *testing.T, count uint8, seed uint64) {
		n := int(count%64) + 1
		leaves := make([]common.Hash, n)
		for i := range leaves {
			var raw [16]byte
			binary.BigEndian.PutUint64(raw[:8], seed)
			binary.BigEndian.PutUint64(raw[8:], uint64(i))
			leaves[i] = crypto.Keccak256Hash(raw[:])
		}

		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("build n=%d: %v", n, err)
		}
		for i := range leaves {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("proof i=%d: %v", i, err)
			}
			if !Verify(tree.Root(), leaves[i], proof) {
				t.Fatalf("round trip failed at i=%d n=%d", i, n)
			}
			if i+1 < len(leaves) && Verify(tree.Root(), leaves[i+1], proof) {
				t.Fatalf("proof for i=%d verified neighbor leaf", i)
			}
		}
	})
}
