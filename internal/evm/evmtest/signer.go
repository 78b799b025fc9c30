// Package evmtest produces real personal_sign signatures for tests.
package evmtest

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"

	"github.com/sakif/userbase/internal/evm"
)

// Signer is a deterministic secp256k1 wallet.
type Signer struct {
	key *btcec.PrivateKey
	// Address is the EIP-55 checksummed address of the key.
	Address string
}

// New returns the wallet whose private key is the integer n (1..255).
// New(1) is the well-known 0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf.
func New(n byte) *Signer {
	if n == 0 {
		panic("evmtest: private key must be non-zero")
	}
	raw := make([]byte, 32)
	raw[31] = n
	key, pub := btcec.PrivKeyFromBytes(btcec.S256(), raw)

	digest := evm.Keccak256(pub.SerializeUncompressed()[1:])
	return &Signer{
		key:     key,
		Address: evm.Checksum("0x" + hex.EncodeToString(digest[12:])),
	}
}

// Lower is the storage form of Address.
func (s *Signer) Lower() string {
	addr, _ := evm.Normalize(s.Address)
	return addr
}

// Sign returns the 0x-prefixed r || s || v signature a wallet's
// personal_sign would produce for message, with v in {27, 28}.
func (s *Signer) Sign(message string) string {
	compact, err := btcec.SignCompact(btcec.S256(), s.key, evm.HashPersonalMessage([]byte(message)), false)
	if err != nil {
		panic("evmtest: signing: " + err.Error())
	}

	sig := make([]byte, evm.SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}
