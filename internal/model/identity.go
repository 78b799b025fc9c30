package model

import (
	"fmt"
	"time"
)

// IdentityType enumerates the external providers an identity can come from.
type IdentityType string

const (
	IdentityHive      IdentityType = "hive"
	IdentityEVM       IdentityType = "evm"
	IdentityFarcaster IdentityType = "farcaster"
)

// ParseIdentityType validates a wire value.
func ParseIdentityType(s string) (IdentityType, error) {
	switch t := IdentityType(s); t {
	case IdentityHive, IdentityEVM, IdentityFarcaster:
		return t, nil
	default:
		return "", fmt.Errorf("unknown identity type %q", s)
	}
}

// Identity links a User to one external account.
//
// The scarce resource is the (Type, Identifier()) pair: it is unique across
// all users. Which field the identifier comes from depends on the type:
//
//	evm       → Address    (lower-case 0x hex)
//	hive      → Handle     (lower-case account name)
//	farcaster → ExternalID (FID)
type Identity struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Type       IdentityType   `json:"type"`
	Handle     *string        `json:"handle"`
	Address    *string        `json:"address"`
	ExternalID *string        `json:"external_id"`
	IsPrimary  bool           `json:"is_primary"`
	VerifiedAt *time.Time     `json:"verified_at"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Identifier returns the value that uniqueness is enforced on.
func (i *Identity) Identifier() string {
	return IdentifierFor(i.Type, i.Handle, i.Address, i.ExternalID)
}

// IdentifierFor picks the normalized identifier field for a type.
// Returns "" if the relevant field is missing.
func IdentifierFor(t IdentityType, handle, address, externalID *string) string {
	var p *string
	switch t {
	case IdentityEVM:
		p = address
	case IdentityHive:
		p = handle
	case IdentityFarcaster:
		p = externalID
	}
	if p == nil {
		return ""
	}
	return *p
}

// Metadata keys written by the linker.
const (
	MetaVerifiedVia = "verified_via"
	MetaVouchingID  = "vouching_external_id"
)
