package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec"

	"github.com/sakif/userbase/internal/apperror"
)

// SignatureLength is r || s || v.
const SignatureLength = 65

// used to reject malleable signatures, as go-ethereum does
var (
	secp256k1N, _  = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))
)

// HashPersonalMessage is the EIP-191 "personal_sign" digest:
//
//	keccak256("\x19Ethereum Signed Message:\n" + len(message) + message)
//
// Wallets apply this prefix before signing, so recovery must too.
func HashPersonalMessage(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return Keccak256([]byte(prefix), message)
}

// DecodeSignature parses a hex signature (0x prefix optional) into 65 bytes
// with v normalized to 27/28. Wallets emit v as 27/28, some hardware
// wallets as 0/1.
func DecodeSignature(sigHex string) ([]byte, error) {
	sigHex = strings.TrimSpace(sigHex)
	if sigHex == "" {
		return nil, apperror.ValidationFailed("signature", "signature is required")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sigHex, "0x"), "0X"))
	if err != nil {
		return nil, apperror.InvalidSignature("signature is not valid hex")
	}
	if len(raw) != SignatureLength {
		return nil, apperror.InvalidSignature(fmt.Sprintf("signature must be %d bytes, got %d", SignatureLength, len(raw)))
	}

	switch v := raw[64]; v {
	case 0, 1:
		raw[64] = v + 27
	case 27, 28:
	default:
		return nil, apperror.InvalidSignature(fmt.Sprintf("signature recovery id %d out of range", v))
	}

	if new(big.Int).SetBytes(raw[32:64]).Cmp(secp256k1halfN) > 0 {
		return nil, apperror.InvalidSignature("signature s value is not canonical")
	}
	return raw, nil
}

// RecoverSigner returns the EIP-55 checksummed address that produced
// sigHex over message with personal_sign.
//
// Malformed input fails with apperror.ErrInvalidSignature (or ErrValidation
// for an empty signature). Comparing the result with the claimed address is
// the caller's job: a valid signature from the wrong key is a different
// failure.
func RecoverSigner(message, sigHex string) (string, error) {
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return "", err
	}

	// btcec wants the compact layout: [27 + recid] || r || s.
	compact := make([]byte, SignatureLength)
	compact[0] = sig[64]
	copy(compact[1:], sig[:64])

	pub, _, err := btcec.RecoverCompact(btcec.S256(), compact, HashPersonalMessage([]byte(message)))
	if err != nil {
		return "", apperror.InvalidSignature("signature does not recover to a public key")
	}
	return Checksum(addressFromPubKey(pub.SerializeUncompressed())), nil
}

// Verifier exposes RecoverSigner behind a value so services can take an
// interface and tests can substitute it.
type Verifier struct{}

func (Verifier) RecoverSigner(message, signature string) (string, error) {
	return RecoverSigner(message, signature)
}
