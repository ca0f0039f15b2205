package authority

import (
	"context"
	"time"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// maxChainDepth bounds proof-chain recursion (spec.md §9) so a
// malformed or adversarial delegation graph can't blow the stack.
const maxChainDepth = 20

// Chain walks UCAN proof chains against one sphere's Authority.
type Chain struct {
	store     storage.BlockStore
	authority *Authority
	verifier  Verifier
}

// NewChain builds a verifier bound to one sphere's authority state.
func NewChain(store storage.BlockStore, authority *Authority, verifier Verifier) *Chain {
	return &Chain{store: store, authority: authority, verifier: verifier}
}

// Verify checks that tokenCID is a live, unrevoked delegation rooted
// (transitively) in sphereDID's own key, enabling want, and returns the
// set of originator DIDs — the root of each proof path that validated.
func (c *Chain) Verify(ctx context.Context, sphereDID DID, tokenCID ipld.CID, want Capability) ([]DID, error) {
	return c.verify(ctx, sphereDID, tokenCID, want, 0, map[ipld.CID]bool{})
}

func (c *Chain) verify(ctx context.Context, sphereDID DID, tokenCID ipld.CID, want Capability, depth int, visited map[ipld.CID]bool) ([]DID, error) {
	if depth > maxChainDepth {
		return nil, errs.New(errs.AuthorizationInvalid, "authority: proof chain exceeds maximum depth")
	}
	if visited[tokenCID] {
		return nil, errs.New(errs.AuthorizationInvalid, "authority: proof chain contains a cycle")
	}
	visited[tokenCID] = true

	if _, ok, err := c.authority.Delegations.Get(ctx, hamt.CIDKey{CID: tokenCID}); err != nil {
		return nil, err
	} else if !ok {
		return nil, errs.New(errs.AuthorizationMissing, "authority: token is not a registered delegation")
	}
	if _, revoked, err := c.authority.Revocations.Get(ctx, hamt.CIDKey{CID: tokenCID}); err != nil {
		return nil, err
	} else if revoked {
		return nil, errs.New(errs.AuthorizationInvalid, "authority: token has been revoked")
	}

	token, err := c.loadToken(ctx, tokenCID)
	if err != nil {
		return nil, err
	}
	if err := token.Verify(c.verifier); err != nil {
		return nil, err
	}
	if err := checkLifetime(token); err != nil {
		return nil, err
	}

	granted := false
	for _, cap := range token.Payload.Cap {
		if Enables(cap, want) {
			granted = true
			break
		}
	}
	if !granted {
		return nil, errs.New(errs.AuthorizationInvalid, "authority: token does not enable the requested capability")
	}

	if len(token.Payload.Prf) == 0 {
		if token.Payload.Iss != sphereDID {
			return nil, errs.New(errs.AuthorizationInvalid, "authority: a root delegation must be issued by the sphere's own key")
		}
		return []DID{token.Payload.Iss}, nil
	}

	var originators []DID
	var lastErr error
	for _, proofCID := range token.Payload.Prf {
		proofToken, err := c.loadToken(ctx, proofCID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := enclosedBy(token, proofToken); err != nil {
			lastErr = err
			continue
		}
		if proofToken.Payload.Aud != token.Payload.Iss {
			lastErr = errs.New(errs.AuthorizationInvalid, "authority: proof was not issued to this token's issuer")
			continue
		}
		// The proof must itself authorize this token's issuer to act as
		// a delegator on the same resource.
		witnessWant := Capability{Resource: want.Resource, Ability: AbilityAuthorize}
		roots, err := c.verify(ctx, sphereDID, proofCID, witnessWant, depth+1, visited)
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
		return nil, errs.New(errs.AuthorizationInvalid, "authority: no proof in the chain validates")
	}
	return originators, nil
}

func (c *Chain) loadToken(ctx context.Context, tokenCID ipld.CID) (*Token, error) {
	block, err := c.store.GetBlock(ctx, tokenCID)
	if err != nil {
		return nil, err
	}
	token, err := Parse(string(block.Bytes))
	if err != nil {
		return nil, err
	}
	return token, nil
}

func checkLifetime(token *Token) error {
	now := time.Now().Unix()
	if token.Payload.Nbf != 0 && now < token.Payload.Nbf {
		return errs.New(errs.AuthorizationInvalid, "authority: token is not yet valid")
	}
	if token.Payload.Exp != 0 && now > token.Payload.Exp {
		return errs.New(errs.AuthorizationInvalid, "authority: token has expired")
	}
	return nil
}

// enclosedBy checks invariant 2: a delegation's lifetime must not
// exceed its witnessing proof's lifetime.
func enclosedBy(token, proof *Token) error {
	if proof.Payload.Nbf != 0 && token.Payload.Nbf < proof.Payload.Nbf {
		return errs.New(errs.AuthorizationInvalid, "authority: delegation begins before its witnessing proof")
	}
	if proof.Payload.Exp != 0 && (token.Payload.Exp == 0 || token.Payload.Exp > proof.Payload.Exp) {
		return errs.New(errs.AuthorizationInvalid, "authority: delegation outlives its witnessing proof")
	}
	return nil
}
