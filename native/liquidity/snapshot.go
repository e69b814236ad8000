package liquidity

import (
	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/merkle"
)

// LeafPayload returns the canonical form of one holding covered by the
// snapshot root.
func LeafPayload(h Holding) map[string]interface{} {
	return map[string]interface{}{
		"asset_key": h.AssetKey,
		"quantity":  h.Quantity,
		"value_usd": h.ValueUSD,
		"available": h.Available,
	}
}

// Leaves computes the merkle leaf hashes for a holding list, in order.
func Leaves(holdings []Holding) ([]string, error) {
	leaves := make([]string, 0, len(holdings))
	for _, h := range holdings {
		data, err := canonical.Marshal(LeafPayload(h))
		if err != nil {
			return nil, coreerr.Internal("encode holding leaf: %v", err)
		}
		leaves = append(leaves, merkle.LeafHash(data))
	}
	return leaves, nil
}

// ComputeRoot returns the snapshot root over the holdings.
func ComputeRoot(holdings []Holding) (string, error) {
	if len(holdings) == 0 {
		return "", coreerr.Validation("snapshot requires at least one holding")
	}
	leaves, err := Leaves(holdings)
	if err != nil {
		return "", err
	}
	return merkle.Root(leaves)
}

// ProveHolding builds an inclusion proof for the holding at index.
func ProveHolding(snap *Snapshot, index int) (merkle.Proof, error) {
	if snap == nil {
		return merkle.Proof{}, coreerr.NotFound("snapshot not found")
	}
	if index < 0 || index >= len(snap.Holdings) {
		return merkle.Proof{}, coreerr.Validation("holding index %d out of range", index)
	}
	leaves, err := Leaves(snap.Holdings)
	if err != nil {
		return merkle.Proof{}, err
	}
	return merkle.Prove(leaves, index)
}

// VerifyHolding checks one holding against a snapshot root.
func VerifyHolding(h Holding, proof merkle.Proof, rootHash string) (bool, error) {
	data, err := canonical.Marshal(LeafPayload(h))
	if err != nil {
		return false, coreerr.Internal("encode holding leaf: %v", err)
	}
	return merkle.Verify(merkle.LeafHash(data), proof, rootHash), nil
}
