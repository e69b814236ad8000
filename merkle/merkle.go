// Package merkle implements the binary sha256 merkle tree used by inventory
// snapshots and the transparency log. Odd levels promote the trailing node
// unchanged rather than duplicating it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var errEmptyTree = errors.New("merkle: tree requires at least one leaf")

// Sibling is one step of an inclusion proof. Right reports whether the sibling
// hash sits to the right of the running hash.
type Sibling struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"`
}

// Proof locates a leaf inside a tree and carries the sibling path up to the
// root.
type Proof struct {
	LeafIndex int       `json:"leaf_index"`
	Siblings  []Sibling `json:"siblings"`
}

// LeafHash hashes raw leaf bytes with a leaf domain prefix so interior nodes
// can never be confused with leaves.
func LeafHash(data []byte) string {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// Root computes the root hash over the ordered leaf hashes.
func Root(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", errEmptyTree
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0], nil
}

// Prove builds the inclusion proof for the leaf at index.
func Prove(leaves []string, index int) (Proof, error) {
	if len(leaves) == 0 {
		return Proof{}, errEmptyTree
	}
	if index < 0 || index >= len(leaves) {
		return Proof{}, fmt.Errorf("merkle: leaf index %d out of range", index)
	}
	proof := Proof{LeafIndex: index}
	level := append([]string(nil), leaves...)
	pos := index
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				if i == pos || i+1 == pos {
					if i == pos {
						proof.Siblings = append(proof.Siblings, Sibling{Hash: level[i+1], Right: true})
					} else {
						proof.Siblings = append(proof.Siblings, Sibling{Hash: level[i], Right: false})
					}
				}
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		pos /= 2
		level = next
	}
	return proof, nil
}

// Verify recomputes the root from the leaf hash and proof and compares it to
// the expected root.
func Verify(leafHash string, proof Proof, root string) bool {
	current := leafHash
	for _, sib := range proof.Siblings {
		if sib.Right {
			current = nodeHash(current, sib.Hash)
		} else {
			current = nodeHash(sib.Hash, current)
		}
	}
	return current == root
}
