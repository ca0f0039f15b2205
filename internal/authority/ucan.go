package authority

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// Header is the fixed UCAN envelope header; this core only ever issues
// the one algorithm/type combination.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var tokenHeader = Header{Alg: "EdDSA", Typ: "JWT"}

// Payload is the UCAN claim set — spec.md §3's
// iss/aud/nbf/exp/nnc/cap/fct/prf shape.
type Payload struct {
	Iss DID                   `json:"iss"`
	Aud DID                   `json:"aud"`
	Nbf int64                 `json:"nbf"`
	Exp int64                 `json:"exp"`
	Nnc string                `json:"nnc"`
	Cap []Capability          `json:"cap"`
	Fct map[string]interface{} `json:"fct,omitempty"`
	Prf []ipld.CID            `json:"prf,omitempty"`
}

// Token is a UCAN: header.payload.signature, the classic JWT envelope,
// stored as a raw-codec block per spec.md §3.
type Token struct {
	Header    Header
	Payload   Payload
	Signature []byte
}

// Issue builds and signs a fresh token.
func Issue(ctx context.Context, signer Signer, payload Payload) (*Token, error) {
	payload.Iss = signer.DID()
	signingInput, err := signingInput(tokenHeader, payload)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(ctx, signingInput)
	if err != nil {
		return nil, err
	}
	return &Token{Header: tokenHeader, Payload: payload, Signature: sig}, nil
}

func signingInput(h Header, p Payload) ([]byte, error) {
	hb, err := json.Marshal(h)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	return []byte(b64(hb) + "." + b64(pb)), nil
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Encode renders the token as the three-segment JWT string.
func (t *Token) Encode() (string, error) {
	input, err := signingInput(t.Header, t.Payload)
	if err != nil {
		return "", err
	}
	return string(input) + "." + b64(t.Signature), nil
}

// Parse decodes a JWT-encoded token without verifying its signature;
// call Verify separately once the issuer's DID is trusted enough to
// check.
func Parse(s string) (*Token, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, errs.New(errs.BadRequest, "authority: malformed ucan token")
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: decoding ucan header: %v", err)
	}
	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: decoding ucan payload: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: decoding ucan signature: %v", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: parsing ucan header: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(pb, &p); err != nil {
		return nil, errs.Wrapf(errs.BadRequest, "authority: parsing ucan payload: %v", err)
	}
	return &Token{Header: h, Payload: p, Signature: sig}, nil
}

// Verify checks the token's signature against its issuer's DID.
func (t *Token) Verify(v Verifier) error {
	input, err := signingInput(t.Header, t.Payload)
	if err != nil {
		return err
	}
	return v.Verify(t.Payload.Iss, input, t.Signature)
}

// CID computes the token's content address as a raw block (the form
// it's persisted and linked under everywhere else in the sphere).
func (t *Token) CID() (ipld.CID, error) {
	encoded, err := t.Encode()
	if err != nil {
		return ipld.Undef, err
	}
	block, err := ipld.EncodeRaw([]byte(encoded))
	if err != nil {
		return ipld.Undef, err
	}
	return block.CID, nil
}
