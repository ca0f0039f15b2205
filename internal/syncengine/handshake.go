package syncengine

import (
	"context"
	"time"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// maxProofChainDepth mirrors internal/authority/chain.go's own bound —
// a handshake proof is walked the same way a push capability is, just
// against the gateway's own delegation graph rather than a registered
// local Authority.
const maxProofChainDepth = 20

// verifyHandshake checks an identify response against spec.md §4.9:
// the signature is over gateway_identity∥sphere_identity, the proof's
// audience is the gateway itself, and the proof's capability chain
// grants (sphere:<sphereDID>, push) rooted in a delegation sphereDID's
// own key issued.
//
// This walks the proof chain directly rather than through
// authority.Chain.Verify, since that verifier additionally requires
// every token in the chain to be a delegation registered in a local
// sphere's Authority — true for a push a gateway is validating against
// its own record of a client's delegations, but not for a handshake
// proof the gateway hands the client about its own (the gateway's)
// authorization, which the client has no local registry for.
func verifyHandshake(ctx context.Context, store storage.BlockStore, resp *gatewayclient.IdentifyResponse, sphereDID authority.DID) error {
	if resp.SphereIdentity != sphereDID {
		return errs.New(errs.AuthorizationInvalid, "syncengine: identify response addresses a different sphere")
	}

	signingInput := append([]byte(resp.GatewayIdentity), []byte(resp.SphereIdentity)...)
	if err := (authority.DIDVerifier{}).Verify(resp.GatewayIdentity, signingInput, resp.Signature); err != nil {
		return err
	}

	if resp.Proof.Payload.Aud != resp.GatewayIdentity {
		return errs.New(errs.AuthorizationInvalid, "syncengine: identify proof audience does not match gateway identity")
	}

	want := authority.Capability{Resource: authority.SphereResource(sphereDID), Ability: authority.AbilityPush}
	originators, err := walkProofChain(ctx, store, &resp.Proof, want, 0, map[ipld.CID]bool{})
	if err != nil {
		return err
	}
	for _, originator := range originators {
		if originator == sphereDID {
			return nil
		}
	}
	return errs.New(errs.AuthorizationInvalid, "syncengine: identify proof is not rooted in the sphere's own key")
}

// walkProofChain recurses through token.Payload.Prf the same way
// authority.Chain.verify does — cycle detection, depth bound, signature
// and lifetime checks, capability enablement — but without the
// registered-delegation requirement, since the chain being checked here
// isn't one this sphere issued.
func walkProofChain(ctx context.Context, store storage.BlockStore, token *authority.Token, want authority.Capability, depth int, visited map[ipld.CID]bool) ([]authority.DID, error) {
	if depth > maxProofChainDepth {
		return nil, errs.New(errs.AuthorizationInvalid, "syncengine: identify proof chain exceeds maximum depth")
	}

	if err := token.Verify(authority.DIDVerifier{}); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	if (token.Payload.Nbf != 0 && now < token.Payload.Nbf) || (token.Payload.Exp != 0 && now > token.Payload.Exp) {
		return nil, errs.New(errs.AuthorizationInvalid, "syncengine: identify proof is outside its validity window")
	}

	granted := false
	for _, cap := range token.Payload.Cap {
		if authority.Enables(cap, want) {
			granted = true
			break
		}
	}
	if !granted {
		return nil, errs.New(errs.AuthorizationInvalid, "syncengine: identify proof does not enable the required capability")
	}

	if len(token.Payload.Prf) == 0 {
		return []authority.DID{token.Payload.Iss}, nil
	}

	var originators []authority.DID
	var lastErr error
	for _, proofCID := range token.Payload.Prf {
		if visited[proofCID] {
			lastErr = errs.New(errs.AuthorizationInvalid, "syncengine: identify proof chain contains a cycle")
			continue
		}
		visited[proofCID] = true

		block, err := store.GetBlock(ctx, proofCID)
		if err != nil {
			lastErr = err
			continue
		}
		proofToken, err := authority.Parse(string(block.Bytes))
		if err != nil {
			lastErr = err
			continue
		}
		witnessWant := authority.Capability{Resource: want.Resource, Ability: authority.AbilityAuthorize}
		roots, err := walkProofChain(ctx, store, proofToken, witnessWant, depth+1, visited)
		if err != nil {
			lastErr = err
			continue
		}
		originators = append(originators, roots...)
	}
	if len(originators) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errs.New(errs.AuthorizationInvalid, "syncengine: no proof in the identify chain validates")
	}
	return originators, nil
}
