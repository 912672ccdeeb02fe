// Package chainaddr validates EVM settlement addresses (Flare, Songbird).
package chainaddr

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var ErrInvalidAddress = errors.New("invalid settlement address")

// Checksum returns the EIP-55 mixed-case form of address.
func Checksum(address string) (string, error) {
	raw, ok := strip(address)
	if !ok {
		return "", ErrInvalidAddress
	}
	lower := strings.ToLower(raw)
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	digest := hex.EncodeToString(hasher.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 32
		}
	}
	return "0x" + string(out), nil
}

// Valid accepts single-case addresses and mixed-case ones whose checksum
// matches.
func Valid(address string) bool {
	raw, ok := strip(address)
	if !ok {
		return false
	}
	if raw == strings.ToLower(raw) || raw == strings.ToUpper(raw) {
		return true
	}
	sum, err := Checksum(address)
	return err == nil && sum[2:] == raw
}

func strip(address string) (string, bool) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return "", false
	}
	raw := address[2:]
	if len(raw) != 40 {
		return "", false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", false
	}
	return raw, true
}
