package export

import (
	"crypto/ed25519"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
)

// Verify recomputes the export hash and chain hash of a page and checks its
// signature. A nil public key falls back to the key embedded in the signature.
func Verify(e *Export, pub ed25519.PublicKey) error {
	exportHash, err := canonical.HashHex(map[string]interface{}{
		"entries":        e.Entries,
		"filters":        e.Filters,
		"total_filtered": e.TotalFiltered,
	})
	if err != nil {
		return coreerr.Internal("hash export page: %v", err)
	}
	if exportHash != e.ExportHash {
		return coreerr.ExportChainBroken("export hash mismatch: contents were altered")
	}
	chainHash, err := canonical.HashHex(map[string]interface{}{
		"prev_chain_hash": e.PreviousChainHash,
		"export_hash":     e.ExportHash,
	})
	if err != nil {
		return coreerr.Internal("hash export chain: %v", err)
	}
	if chainHash != e.ChainHash {
		return coreerr.ExportChainBroken("chain hash mismatch: attestation does not cover this page")
	}
	if pub != nil {
		if err := canonical.Verify(pub, signingView(e), e.Signature); err != nil {
			return coreerr.ExportChainBroken("export signature invalid: %v", err)
		}
		return nil
	}
	if err := canonical.VerifyEmbedded(signingView(e), e.Signature); err != nil {
		return coreerr.ExportChainBroken("export signature invalid: %v", err)
	}
	return nil
}

// VerifyChain walks a sequence of attestations and confirms each link hashes
// onto the previous one.
func VerifyChain(atts []*Attestation) error {
	prev := ""
	for i, att := range atts {
		if att.PreviousChainHash != prev {
			return coreerr.ExportChainBroken("attestation %d does not chain onto its predecessor", i)
		}
		chainHash, err := canonical.HashHex(map[string]interface{}{
			"prev_chain_hash": att.PreviousChainHash,
			"export_hash":     att.ExportHash,
		})
		if err != nil {
			return coreerr.Internal("hash attestation %d: %v", i, err)
		}
		if chainHash != att.ChainHash {
			return coreerr.ExportChainBroken("attestation %d chain hash mismatch", i)
		}
		prev = att.ChainHash
	}
	return nil
}
