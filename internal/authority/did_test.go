package authority_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
)

func TestKeyMaterial_DIDRoundTrip(t *testing.T) {
	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)

	did, err := key.DID()
	require.NoError(t, err)
	assert.Contains(t, string(did), "did:key:z")

	pub, err := authority.ParseDID(did)
	require.NoError(t, err)
	assert.Len(t, pub, ed25519.PublicKeySize)
}

func TestKeyMaterial_SignVerify(t *testing.T) {
	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)

	did, err := key.DID()
	require.NoError(t, err)

	payload := []byte("hello sphere")
	sig, err := key.Sign(payload)
	require.NoError(t, err)

	pub, err := authority.ParseDID(did)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, payload, sig))

	verifier := authority.DIDVerifier{}
	assert.NoError(t, verifier.Verify(did, payload, sig))
	assert.Error(t, verifier.Verify(did, []byte("tampered"), sig))
}

func TestKeyMaterialFromSeed_Deterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := authority.KeyMaterialFromSeed(seed)
	require.NoError(t, err)
	b, err := authority.KeyMaterialFromSeed(seed)
	require.NoError(t, err)

	didA, err := a.DID()
	require.NoError(t, err)
	didB, err := b.DID()
	require.NoError(t, err)
	assert.Equal(t, didA, didB)
}

func TestKeyMaterialFromSeed_RejectsWrongLength(t *testing.T) {
	_, err := authority.KeyMaterialFromSeed([]byte("too-short"))
	assert.Error(t, err)
}

func TestParseDID_RejectsUnknownMethod(t *testing.T) {
	_, err := authority.ParseDID("did:web:example.com")
	assert.Error(t, err)
}
