package merkle

import (
	"fmt"
	"testing"
)

func buildLeaves(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = LeafHash([]byte(fmt.Sprintf("holding-%d", i)))
	}
	return leaves
}

func TestProofsVerifyForAllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := buildLeaves(n)
		root, err := Root(leaves)
		if err != nil {
			t.Fatalf("root n=%d: %v", n, err)
		}
		for i := range leaves {
			proof, err := Prove(leaves, i)
			if err != nil {
				t.Fatalf("prove n=%d i=%d: %v", n, i, err)
			}
			if !Verify(leaves[i], proof, root) {
				t.Fatalf("proof failed for n=%d leaf=%d", n, i)
			}
		}
	}
}

func TestTamperedLeafFailsVerification(t *testing.T) {
	leaves := buildLeaves(6)
	root, _ := Root(leaves)
	proof, _ := Prove(leaves, 2)
	if Verify(LeafHash([]byte("forged")), proof, root) {
		t.Fatal("forged leaf must not verify")
	}
}

func TestEmptyTreeRejected(t *testing.T) {
	if _, err := Root(nil); err == nil {
		t.Fatal("expected error for empty tree")
	}
}
