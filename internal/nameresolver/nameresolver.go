// Package nameresolver implements the gateway-side half of spec.md
// §4.10's name-record lifecycle: resolving a petname to its target's
// published link record, and scheduling periodic republication of a
// record the gateway itself is responsible for keeping fresh. The
// actual DHT-based name system transport is explicitly out of scope
// (spec.md §1) — only the contract a resolver/publisher would be
// driven through is fixed here, the way kernel/core/mesh/routing/gossip.go
// drives its own periodic resolution loop over an injected transport.
package nameresolver

import (
	"context"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/jobqueue"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/logging"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
)

var log = logging.For("nameresolver")

// LinkRecordFetcher is the out-of-scope name-system transport contract:
// given a target DID (and an optional transport hint, e.g. a libp2p
// multiaddr pinning which endpoint to query), return the most recent
// link record JWT known for that DID, or (nil, false) if none is
// published. Implementations live outside this module — the DHT-based
// name system itself is explicitly out of scope per spec.md §1.
type LinkRecordFetcher interface {
	FetchLinkRecord(ctx context.Context, target authority.DID, hint multiaddr.Multiaddr) (*authority.Token, bool, error)
}

// Resolver drives link-record resolution and republication jobs against
// one gateway's counterpart spheres.
type Resolver struct {
	fetcher LinkRecordFetcher
	jobs    *jobqueue.Queue
}

// New builds a Resolver over fetcher, submitting its jobs to queue.
func New(fetcher LinkRecordFetcher, queue *jobqueue.Queue) *Resolver {
	return &Resolver{fetcher: fetcher, jobs: queue}
}

// Resolve fetches a link record for target and, if it supersedes the
// identity's currently stored record (spec.md §4.10: strictly greater
// issuance time and still-valid lifetime), writes the updated identity
// back into view's address book under petname via a fresh signed
// revision. It is a no-op (not an error) when there's nothing to fetch,
// the fetched record doesn't supersede what's already stored, or the
// fetched record fails verification.
func (r *Resolver) Resolve(ctx context.Context, view *sphere.View, signer authority.Signer, proof *ipld.CID, petname string, target authority.DID, hint multiaddr.Multiaddr) (*sphere.View, error) {
	record, ok, err := r.fetcher.FetchLinkRecord(ctx, target, hint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := record.Verify(authority.DIDVerifier{}); err != nil {
		log.Warn("fetched link record failed verification", "target", target, "error", err)
		return nil, nil
	}

	current, hasCurrent, err := view.AddressBook.Get(ctx, hamt.StringKey(petname))
	if err != nil {
		return nil, err
	}
	var currentIdentity memo.Identity
	if hasCurrent {
		block, err := view.Store().GetBlock(ctx, current.CID)
		if err != nil {
			return nil, err
		}
		if err := ipld.Decode(block.Bytes, &currentIdentity); err != nil {
			return nil, err
		}
	}

	if currentIdentity.LinkRecord != nil {
		supersedes, err := r.supersedes(ctx, view, record, currentIdentity.LinkRecord.CID)
		if err != nil {
			return nil, err
		}
		if !supersedes {
			return nil, nil
		}
	}

	encoded, err := record.Encode()
	if err != nil {
		return nil, err
	}
	recordBlock, err := ipld.EncodeRaw([]byte(encoded))
	if err != nil {
		return nil, err
	}

	cursor := view.Cursor()
	link := ipld.NewLink[authority.Token](recordBlock.CID)
	identity := memo.Identity{DID: target, LinkRecord: &link}
	if err := cursor.SetAddressBookEntry(ctx, petname, identity); err != nil {
		return nil, err
	}
	revision, err := cursor.Apply(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := revision.Sign(ctx, signer, proof)
	if err != nil {
		return nil, err
	}
	return sphere.Open(ctx, view.Store(), ipld.NewLink[memo.Memo](signed.CID))
}

// supersedes reports whether candidate's issuance time (nbf) strictly
// exceeds the currently-stored record's, and candidate is still within
// its own validity window — spec.md §4.10's supersession rule.
func (r *Resolver) supersedes(ctx context.Context, view *sphere.View, candidate *authority.Token, currentCID ipld.CID) (bool, error) {
	block, err := view.Store().GetBlock(ctx, currentCID)
	if err != nil {
		return false, err
	}
	current, err := authority.Parse(string(block.Bytes))
	if err != nil {
		return false, err
	}
	if candidate.Payload.Nbf <= current.Payload.Nbf {
		return false, nil
	}
	now := time.Now().Unix()
	if candidate.Payload.Exp != 0 && now > candidate.Payload.Exp {
		return false, nil
	}
	return true, nil
}

// ScheduleRepublication registers a periodic republication job for a
// self-signed link record the gateway just received on a push, per
// spec.md §4.10: re-publish within the record's validity window,
// stopping once it expires. publish is the out-of-scope publication
// call (the name system transport); interval controls how often the
// job fires, which should be comfortably inside the record's own
// nbf/exp window.
func (r *Resolver) ScheduleRepublication(ctx context.Context, record *authority.Token, interval time.Duration, publish func(ctx context.Context, record *authority.Token) error) error {
	if record.Payload.Exp == 0 {
		return errs.New(errs.BadRequest, "nameresolver: link record has no expiry to bound republication by")
	}

	return r.jobs.Submit(ctx, jobqueue.Job{
		Name: "republish-link-record:" + string(record.Payload.Iss),
		Run: func(jobCtx context.Context) error {
			for {
				if time.Now().Unix() > record.Payload.Exp {
					log.Info("link record expired, stopping republication", "issuer", record.Payload.Iss)
					return nil
				}
				if err := publish(jobCtx, record); err != nil {
					return err
				}
				select {
				case <-jobCtx.Done():
					return jobCtx.Err()
				case <-time.After(interval):
				}
			}
		},
	})
}
