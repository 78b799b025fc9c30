// Package evm holds the Ethereum-side primitives the linker needs: address
// validation and EIP-55 checksums, EIP-191 personal-message hashing, and
// secp256k1 signer recovery.
package evm

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/sakif/userbase/internal/apperror"
)

// AddressLength is the size of an address in bytes.
const AddressLength = 20

// IsHexAddress reports whether s is "0x" followed by 40 hex characters.
// Case is not checked here; see Normalize.
func IsHexAddress(s string) bool {
	if len(s) != 2+2*AddressLength || !has0xPrefix(s) {
		return false
	}
	for _, c := range s[2:] {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}

// Normalize validates s and returns its lower-case storage form.
//
// All-lower and all-upper inputs are accepted as is. A mixed-case input is
// treated as an EIP-55 checksum and must match, so a mistyped character in a
// checksummed address is caught instead of silently naming another wallet.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsHexAddress(s) {
		return "", apperror.ValidationFailed("address", "address must be 0x followed by 40 hex characters")
	}

	body := s[2:]
	lower := strings.ToLower(body)
	if body != lower && body != strings.ToUpper(body) {
		if Checksum("0x"+lower) != "0x"+body {
			return "", apperror.ValidationFailed("address", "address has an invalid EIP-55 checksum")
		}
	}
	return "0x" + lower, nil
}

// Checksum returns the EIP-55 mixed-case form of a valid hex address.
//
// EIP-55 IN ONE PARAGRAPH:
// An address is 40 hex digits, and hex is case-insensitive, so the case of
// each letter is free to carry information. EIP-55 hashes the lower-case hex
// string (the ASCII text, not the 20 raw bytes) with Keccak-256 and lines the
// 64 hash nibbles up with the 40 address characters. A letter a-f is written
// upper-case when its nibble is >= 8 and lower-case otherwise; digits have no
// case and are left alone. An address carries about 15 such check bits on
// average, and a mistyped character changes the whole hash, so a typo in a
// checksummed address almost never survives validation.
//
//	0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed   stored form
//	0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed   checksummed form
func Checksum(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	digest := Keccak256([]byte(lower))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// SameAddress compares two addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Keccak256 is the legacy (pre-NIST) Keccak used throughout Ethereum.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		_, _ = h.Write(b)
	}
	return h.Sum(nil)
}

// addressFromPubKey derives the address from a 65-byte uncompressed key.
func addressFromPubKey(uncompressed []byte) string {
	return "0x" + hex.EncodeToString(Keccak256(uncompressed[1:])[12:])
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isHexChar(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
