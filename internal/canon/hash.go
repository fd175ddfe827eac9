package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashWithDomain returns the hex SHA-256 of domain, a 0x00 separator and
// data. The separator keeps the domain/data boundary unambiguous.
func HashWithDomain(domain string, data []byte) string {
	sum := sumWithDomain(domain, data)
	return hex.EncodeToString(sum[:])
}

// Sum returns the domain-separated SHA-256 of v's canonical encoding.
func Sum(domain string, v any) ([32]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonical hash %s: %w", domain, err)
	}
	return sumWithDomain(domain, data), nil
}

// Hash is Sum hex-encoded.
func Hash(domain string, v any) (string, error) {
	sum, err := Sum(domain, v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func sumWithDomain(domain string, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
