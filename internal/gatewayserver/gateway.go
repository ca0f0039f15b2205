// Package gatewayserver implements the gateway-side HTTP handlers of
// spec.md §4.8/§4.9/§6: identify, fetch, push, and replicate, serving
// the exact wire shapes internal/gatewayclient already fixes from the
// client side. A Gateway owns one sphere of its own — the relay sphere
// whose content map records, for every client sphere it syncs, that
// client's latest known tip — the way kernel/threads/supervisor.go
// dispatches stateless requests over one shared piece of supervisor
// state rather than spinning up per-request context.
package gatewayserver

import (
	"context"
	"sync"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/jobqueue"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/logging"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/nameresolver"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

var log = logging.For("gatewayserver")

// Gateway is the server-side counterpart to syncengine.Engine: it owns
// the gateway's own relay sphere and every handler reads or mutates it
// under tipMu, the gateway-side analogue of a SphereContext's single
// exclusive lock (spec.md §5).
type Gateway struct {
	store    storage.BlockStore
	signer   authority.Signer
	verifier authority.Verifier
	jobs     *jobqueue.Queue
	resolver *nameresolver.Resolver

	tipMu sync.Mutex
	tip   ipld.Link[memo.Memo]

	pushLocks sync.Map // DID -> *sync.Mutex, per-counterpart push serialization (spec.md §5)

	// counterparts holds, per client sphere DID, the delegation that
	// sphere's own key issued granting this gateway push rights —
	// handed to the gateway out of band at provisioning time, the way
	// spec.md §4.9 assumes a handshake proof is always already rooted
	// in the counterpart's key by the time a client asks for one.
	counterparts sync.Map // DID -> *authority.Token
}

// Provision registers token as the standing delegation a counterpart
// sphere has issued this gateway, letting IdentifyHandler hand it back
// as the proof a client's handshake verification checks. token must be
// issued by the counterpart's own key, audienced to this gateway, and
// grant (sphere:<counterpart>, push).
func (g *Gateway) Provision(counterpart authority.DID, token *authority.Token) error {
	if token.Payload.Iss != counterpart {
		return errs.New(errs.AuthorizationInvalid, "gatewayserver: provisioning token must be issued by the counterpart sphere's own key")
	}
	if token.Payload.Aud != g.signer.DID() {
		return errs.New(errs.AuthorizationInvalid, "gatewayserver: provisioning token is not addressed to this gateway")
	}
	want := authority.Capability{Resource: authority.SphereResource(counterpart), Ability: authority.AbilityPush}
	granted := false
	for _, cap := range token.Payload.Cap {
		if authority.Enables(cap, want) {
			granted = true
			break
		}
	}
	if !granted {
		return errs.New(errs.AuthorizationInvalid, "gatewayserver: provisioning token does not grant push")
	}
	g.counterparts.Store(counterpart, token)
	return nil
}

// New opens (or, if tip is the zero link, creates) a Gateway's own relay
// sphere over store, signed by signer.
func New(ctx context.Context, store storage.BlockStore, signer authority.Signer, tip ipld.Link[memo.Memo], jobs *jobqueue.Queue, resolver *nameresolver.Resolver) (*Gateway, error) {
	if tip.IsUndef() {
		genesis, err := genesisRelaySphere(ctx, store, signer)
		if err != nil {
			return nil, err
		}
		tip = genesis
	} else if _, err := sphere.Open(ctx, store, tip); err != nil {
		return nil, err
	}
	return &Gateway{
		store:    store,
		signer:   signer,
		verifier: authority.DIDVerifier{},
		jobs:     jobs,
		resolver: resolver,
		tip:      tip,
	}, nil
}

// genesisRelaySphere signs the first, empty revision of the gateway's
// own relay sphere, owned by signer's key with no further delegations.
func genesisRelaySphere(ctx context.Context, store storage.BlockStore, signer authority.Signer) (ipld.Link[memo.Memo], error) {
	roots := memo.AuthorityRoots{}
	rootsBlock, err := ipld.Encode(roots)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	if err := store.PutBlock(ctx, rootsBlock); err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	body := memo.SphereBody{
		Identity:  signer.DID(),
		Authority: ipld.NewLink[memo.AuthorityRoots](rootsBlock.CID),
	}
	bodyBlock, err := ipld.Encode(body)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	bodyLink, err := memo.EncodeBody(ctx, store, bodyBlock.Bytes)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	headers := memo.OrderedHeaders{}.Append(memo.HeaderContentType, memo.ContentTypeSphere)
	signed, err := memo.Sign(ctx, signer, nil, nil, bodyLink, headers)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	memoBlock, err := ipld.Encode(signed.Memo)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	if err := store.PutBlock(ctx, memoBlock); err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	return ipld.NewLink[memo.Memo](memoBlock.CID), nil
}

// Tip returns the gateway's own current relay-sphere tip.
func (g *Gateway) Tip() ipld.Link[memo.Memo] {
	g.tipMu.Lock()
	defer g.tipMu.Unlock()
	return g.tip
}

// lockCounterpart returns the per-client-DID mutex used to reject a
// second concurrent push for the same counterpart sphere with Conflict
// rather than queuing it (spec.md §5). Callers must TryLock, not Lock.
func (g *Gateway) lockCounterpart(did authority.DID) *sync.Mutex {
	v, _ := g.pushLocks.LoadOrStore(did, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// mapErrKind extracts err's errs.Kind (Unknown if it carries none), the
// single lookup every handler's error-to-HTTP-status mapping goes
// through.
func mapErrKind(err error) errs.Kind {
	kind, _ := errs.As(err)
	return kind
}
