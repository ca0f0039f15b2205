// Package authority implements the capability layer: DIDs, UCAN-style
// delegation tokens, the delegation/revocation maps, and the proof-chain
// verifier every signed memo is checked against.
package authority

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

// DID is a decentralized identifier string, opaque to the core beyond
// its method prefix.
type DID string

func (d DID) String() string { return string(d) }

const didKeyPrefix = "did:key:"

// ed25519PubMulticodec is the multicodec code for an Ed25519 public key
// (0xed), varint-encoded ahead of the raw key bytes in a did:key.
const ed25519PubMulticodec = 0xed

// KeyMaterial wraps an ed25519 keypair the way a libp2p node wraps its
// own persistent identity, generalized here to a DID rather than a
// libp2p peer ID.
type KeyMaterial struct {
	priv crypto.PrivKey
	pub  crypto.PubKey
}

// GenerateKeyMaterial creates a fresh ed25519 keypair, the same
// libp2p crypto call a node's persistent identity is generated from.
func GenerateKeyMaterial() (*KeyMaterial, error) {
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	return &KeyMaterial{priv: priv, pub: pub}, nil
}

// KeyMaterialFromSeed reconstructs a keypair from a 32-byte ed25519
// seed — the form a recovery mnemonic derives down to.
func KeyMaterialFromSeed(seed []byte) (*KeyMaterial, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errs.New(errs.BadRequest, "authority: ed25519 seed must be 32 bytes")
	}
	std := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	return &KeyMaterial{priv: priv, pub: priv.GetPublic()}, nil
}

// DID derives this key's did:key identifier.
func (k *KeyMaterial) DID() (DID, error) {
	raw, err := k.pub.Raw()
	if err != nil {
		return "", errs.Wrap(errs.Internal, err)
	}
	return encodeDIDKey(raw), nil
}

// Sign signs payload with the wrapped private key.
func (k *KeyMaterial) Sign(payload []byte) ([]byte, error) {
	sig, err := k.priv.Sign(payload)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	return sig, nil
}

func encodeDIDKey(rawPub []byte) DID {
	prefixed := append(varint.ToUvarint(ed25519PubMulticodec), rawPub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		// multibase.Encode only fails for an unsupported base; Base58BTC
		// is always supported, so this path is unreachable in practice.
		panic(fmt.Sprintf("authority: encoding did:key: %v", err))
	}
	return DID(didKeyPrefix + encoded)
}

// ParseDID dispatches on the method prefix to recover the raw public
// key bytes. Only did:key is implemented; spec.md §9 leaves the door
// open for further methods via the same prefix-dispatch shape.
func ParseDID(did DID) (ed25519.PublicKey, error) {
	s := string(did)
	if !strings.HasPrefix(s, didKeyPrefix) {
		return nil, errs.Wrapf(errs.BadRequest, "authority: unsupported did method in %q", s)
	}
	encoded := strings.TrimPrefix(s, didKeyPrefix)
	_, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: decoding did:key: %v", err)
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: decoding did:key multicodec: %v", err)
	}
	if code != ed25519PubMulticodec {
		return nil, errs.Wrapf(errs.BadRequest, "authority: did:key multicodec %#x is not Ed25519Pub", code)
	}
	raw := data[n:]
	if len(raw) != ed25519.PublicKeySize {
		return nil, errs.New(errs.BadRequest, "authority: did:key public key has wrong length")
	}
	return ed25519.PublicKey(raw), nil
}
