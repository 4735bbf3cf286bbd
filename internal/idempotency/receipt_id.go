package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const receiptIDPrefixV1 = "receipt"

// ReceiptIDV1 computes the canonical receipt id:
//
//	receiptId = keccak256("receipt" || nonceBE8 || nowBE8 || msg)
//
// Downstream consumers of the receipt stream deduplicate on it, so a receipt
// republished after a crash keeps its id.
func ReceiptIDV1(nonce, now int64, msg string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(receiptIDPrefixV1))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nonce))
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(now))
	_, _ = h.Write(buf[:])

	_, _ = h.Write([]byte(msg))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
