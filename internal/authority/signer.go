package authority

import (
	"context"
	"crypto/ed25519"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

// Signer is the narrow signing capability a memo author or delegator
// needs — spec.md §9's replacement for a full key trait.
type Signer interface {
	DID() DID
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Verifier checks a signature against a DID's public key.
type Verifier interface {
	Verify(did DID, payload, signature []byte) error
}

// keyMaterialSigner adapts *KeyMaterial to Signer.
type keyMaterialSigner struct{ key *KeyMaterial }

// NewSigner wraps generated or recovered key material as a Signer.
func NewSigner(key *KeyMaterial) Signer { return &keyMaterialSigner{key: key} }

func (s *keyMaterialSigner) DID() DID {
	did, err := s.key.DID()
	if err != nil {
		// key.DID() only fails if the wrapped public key can't yield raw
		// bytes, which never happens for an ed25519 key produced by this
		// package.
		panic(err)
	}
	return did
}

func (s *keyMaterialSigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return s.key.Sign(payload)
}

// DIDVerifier verifies signatures purely from the signer's DID, with no
// external key registry — did:key embeds the public key itself.
type DIDVerifier struct{}

func (DIDVerifier) Verify(did DID, payload, signature []byte) error {
	pub, err := ParseDID(did)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, signature) {
		return errs.New(errs.SignatureInvalid, "authority: signature does not verify against did")
	}
	return nil
}
