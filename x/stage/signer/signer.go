// Package signer recovers the signer identity of a generate_proof request
// from its secp256k1 recoverable signature.
package signer

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalMessage builds the ASCII message signed by a generate_proof
// caller: "{proof_id}&{block_no}&{seg_size}" when blockNo is present, else
// "{proof_id}&{seg_size}".
func CanonicalMessage(proofID string, blockNo *uint64, segSize uint32) []byte {
	if blockNo != nil {
		return []byte(proofID + "&" + strconv.FormatUint(*blockNo, 10) + "&" + strconv.FormatUint(uint64(segSize), 10))
	}
	return []byte(proofID + "&" + strconv.FormatUint(uint64(segSize), 10))
}

// Recover recovers the 20-byte address that produced sig over the canonical
// message for (proofID, blockNo, segSize), hex-encoded lowercase without a
// 0x prefix, as required for users-table lookup. sig must be the standard
// 65-byte secp256k1 recoverable signature (r || s || v).
func Recover(proofID string, blockNo *uint64, segSize uint32, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	msg := CanonicalMessage(proofID, blockNo, segSize)
	digest := crypto.Keccak256(msg)

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	return hex.EncodeToString(addr.Bytes()), nil
}
