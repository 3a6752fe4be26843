package order

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Payment references arrive as user input: 64 hex chars with or without a
// 0x prefix, any case. The replay table is keyed by the keccak of the
// lowercased canonical form so equivalent spellings collide.

// NormalizeTxRef canonicalizes a rail transaction reference, returning
// the canonical form (for oracle lookup) and its replay key.
func NormalizeTxRef(raw string) (string, common.Hash, error) {
	ref := strings.ToLower(strings.TrimSpace(raw))
	ref = strings.TrimPrefix(ref, "0x")
	if len(ref) != 64 {
		return "", common.Hash{}, fmt.Errorf("tx ref must be 64 hex chars, got %d", len(ref))
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return "", common.Hash{}, fmt.Errorf("tx ref is not hex: %w", err)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(ref))
	var out common.Hash
	h.Sum(out[:0])
	return ref, out, nil
}

const railAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateRailAddress checks the base58 shape of an external payment rail
// address: 34 chars, 'T' prefix.
func ValidateRailAddress(addr string) error {
	if len(addr) != 34 {
		return fmt.Errorf("rail address must be 34 chars, got %d", len(addr))
	}
	if addr[0] != 'T' {
		return fmt.Errorf("rail address must start with T")
	}
	for i := 0; i < len(addr); i++ {
		if !strings.ContainsRune(railAlphabet, rune(addr[i])) {
			return fmt.Errorf("rail address has invalid char at %d", i)
		}
	}
	return nil
}
