package gatewayserver

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/jobqueue"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
)

// republishInterval is how often a scheduled link-record republication
// job fires, comfortably inside the shortest sensible record lifetime.
const republishInterval = 10 * time.Minute

// PushHandler answers spec.md §4.8: validate the five push
// preconditions, ingest the pushed history, fold it into the gateway's
// own relay sphere, enqueue the two side-effect jobs a successful push
// schedules, and answer with the gateway's new tip plus whatever the
// caller needs to catch up on.
func (g *Gateway) PushHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dec := replication.NewDecoder(r.Body)
	if _, err := dec.ReadHeader(); err != nil {
		writeError(w, err)
		return
	}
	var body gatewayclient.PushBody
	if err := gatewayclient.ReadEnvelope(dec, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := drainInto(ctx, g, dec); err != nil {
		writeError(w, err)
		return
	}

	lock := g.lockCounterpart(body.Sphere)
	if !lock.TryLock() {
		writeError(w, errs.New(errs.Conflict, "gatewayserver: a push for this sphere is already in progress"))
		return
	}
	defer lock.Unlock()

	newGatewayTip, err := g.applyPush(ctx, body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.noosphere.archive")
	enc := replication.NewEncoder(w, []ipld.CID{newGatewayTip.CID})
	if err := enc.WriteHeader(); err != nil {
		log.Error("push: writing response header failed", "error", err)
		return
	}
	if err := gatewayclient.PutEnvelope(enc, gatewayclient.PushResponse{NewTip: newGatewayTip.CID}); err != nil {
		log.Error("push: encoding response envelope failed", "error", err)
		return
	}
	seq, errf := replication.Stream(ctx, g.store, newGatewayTip.CID, body.CounterpartTip, true)
	for c, data := range seq {
		if err := enc.Put(c, ipld.Codec(c.Type()), data); err != nil {
			log.Error("push: streaming response blocks failed", "error", err)
			return
		}
	}
	if err := errf(); err != nil {
		log.Error("push: response stream aborted", "error", err)
	}
}

func drainInto(ctx context.Context, g *Gateway, dec *replication.Decoder) error {
	for {
		c, data, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		block := ipld.Block{CID: c, Codec: ipld.Codec(c.Type()), Bytes: data}
		if err := g.store.PutBlock(ctx, block); err != nil {
			return err
		}
	}
}

// applyPush runs spec.md §4.8's validation checks and, on success, the
// five numbered steps that follow: hydrate and verify the pushed
// history, fold it into the gateway's own relay sphere under one new
// signed revision, enqueue side-effect jobs, and return the gateway's
// new tip.
func (g *Gateway) applyPush(ctx context.Context, body gatewayclient.PushBody) (ipld.Link[memo.Memo], error) {
	if body.LocalBase != nil && body.LocalBase.Equals(body.LocalTip) {
		return ipld.Link[memo.Memo]{}, errs.New(errs.BadRequest, "gatewayserver: push local_tip equals local_base, nothing to push")
	}

	pushedView, err := sphere.Open(ctx, g.store, ipld.NewLink[memo.Memo](body.LocalTip))
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	if pushedView.Body.Identity != body.Sphere {
		return ipld.Link[memo.Memo]{}, errs.New(errs.UnexpectedBody, "gatewayserver: pushed tip's identity does not match the declared sphere")
	}

	if err := g.checkPushCapability(ctx, pushedView, body); err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	var pastLink *ipld.Link[memo.Memo]
	if body.LocalBase != nil {
		link := ipld.NewLink[memo.Memo](*body.LocalBase)
		pastLink = &link
	}
	timeline := &sphere.Timeline{Store: g.store}
	entries, err := timeline.Slice(ipld.NewLink[memo.Memo](body.LocalTip), pastLink).Collect(ctx)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	for _, entry := range entries {
		if err := memo.Verify(g.verifier, entry.Memo); err != nil {
			return ipld.Link[memo.Memo]{}, err
		}
	}

	newGatewayTip, err := g.foldIntoRelaySphere(ctx, body, pushedView)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	g.enqueuePushSideEffects(ctx, body)

	return newGatewayTip, nil
}

// checkPushCapability validates spec.md §4.8's capability check: either
// the pushed tip is signed directly by the sphere's own key (which
// already implies every ability on its own resource), or body.Capability
// names a delegation — rooted in the sphere's own key, live and
// unrevoked in the pushed authority state — that grants push.
func (g *Gateway) checkPushCapability(ctx context.Context, pushedView *sphere.View, body gatewayclient.PushBody) error {
	authorDID, ok := pushedView.Memo.Author()
	if !ok {
		return errs.New(errs.AuthorizationMissing, "gatewayserver: pushed tip carries no author header")
	}
	if body.Capability == nil {
		if authorDID != body.Sphere {
			return errs.New(errs.AuthorizationMissing, "gatewayserver: push carries no capability and is not signed by the sphere's own key")
		}
		return nil
	}

	chain := authority.NewChain(g.store, pushedView.Authority, g.verifier)
	want := authority.Capability{Resource: authority.SphereResource(body.Sphere), Ability: authority.AbilityPush}
	_, err := chain.Verify(ctx, body.Sphere, *body.Capability, want)
	return err
}

// foldIntoRelaySphere records client_did -> local_tip in the gateway's
// own content map, aggregates the pushed sphere's address-book changes
// since local_base into a single diff, and commits both as one new
// signed revision of the gateway's relay sphere (spec.md §4.8 step 3).
func (g *Gateway) foldIntoRelaySphere(ctx context.Context, body gatewayclient.PushBody, pushedView *sphere.View) (ipld.Link[memo.Memo], error) {
	g.tipMu.Lock()
	defer g.tipMu.Unlock()

	if body.CounterpartTip != nil && !body.CounterpartTip.Equals(g.tip.CID) {
		return ipld.Link[memo.Memo]{}, errs.New(errs.Conflict, "gatewayserver: push's counterpart_tip is stale, fetch before retrying")
	}

	view, err := sphere.Open(ctx, g.store, g.tip)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	recordedLink, hasRecorded, err := view.Content.Get(ctx, hamt.StringKey(body.Sphere.String()))
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	switch {
	case !hasRecorded && body.LocalBase != nil:
		return ipld.Link[memo.Memo]{}, errs.New(errs.MissingHistory, "gatewayserver: push declares a local_base the gateway has no record of")
	case hasRecorded && (body.LocalBase == nil || !body.LocalBase.Equals(recordedLink.CID)):
		return ipld.Link[memo.Memo]{}, errs.New(errs.Conflict, "gatewayserver: push's local_base does not match the gateway's recorded tip")
	}

	recordMutation := sphere.Mutation{
		Content:     &hamt.Changelog[memo.Memo]{},
		Identities:  &hamt.Changelog[memo.Identity]{},
		Delegations: &hamt.Changelog[authority.Delegation]{},
		Revocations: &hamt.Changelog[authority.Revocation]{},
	}
	recordMutation.Content.Add([]byte(body.Sphere.String()), ipld.NewLink[memo.Memo](body.LocalTip))

	if body.LocalBase != nil {
		baseView, err := sphere.Open(ctx, g.store, ipld.NewLink[memo.Memo](*body.LocalBase))
		if err != nil {
			return ipld.Link[memo.Memo]{}, err
		}
		addressBookDiff, err := hamt.Diff[memo.Identity](ctx, g.store, baseView.Body.AddressBook, pushedView.Body.AddressBook)
		if err != nil {
			return ipld.Link[memo.Memo]{}, err
		}
		recordMutation.Identities = addressBookDiff
	}

	cursor := view.Cursor()
	cursor.Mutation = cursor.Mutation.Append(recordMutation)
	revision, err := cursor.Apply(ctx)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	signed, err := revision.Sign(ctx, g.signer, nil)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	newTip := ipld.NewLink[memo.Memo](signed.CID)
	g.tip = newTip
	return newTip, nil
}

// enqueuePushSideEffects schedules the two background jobs a
// successful push triggers (spec.md §4.8 step 4). Both log-and-continue
// on failure via jobqueue's own retry policy; a submission failure here
// (e.g. the queue has been closed) is logged rather than failing the
// push response, since the push itself already fully committed.
func (g *Gateway) enqueuePushSideEffects(ctx context.Context, body gatewayclient.PushBody) {
	if body.NameRecord != nil && g.resolver != nil {
		record := body.NameRecord
		if err := g.resolver.ScheduleRepublication(ctx, record, republishInterval, g.publishLinkRecord); err != nil {
			log.Error("failed to schedule link record republication", "issuer", record.Payload.Iss, "error", err)
		}
	}

	tip := body.LocalTip
	if err := g.jobs.Submit(ctx, jobqueue.Job{
		Name: "syndicate:" + body.Sphere.String(),
		Run: func(jobCtx context.Context) error {
			return g.syndicate(jobCtx, tip)
		},
	}); err != nil {
		log.Error("failed to enqueue syndication job", "sphere", body.Sphere, "error", err)
	}
}

// publishLinkRecord is the out-of-scope name-system publication call
// (spec.md §1 excludes the DHT-based transport itself); callers that
// need real publication replace this with an injected implementation.
func (g *Gateway) publishLinkRecord(ctx context.Context, record *authority.Token) error {
	log.Info("publishing link record", "issuer", record.Payload.Iss, "expires", record.Payload.Exp)
	return nil
}

// syndicate is the out-of-scope IPFS syndication hook (spec.md §1):
// a real deployment wires this to a pinning/syndication service; here
// it only records that the new history would have been syndicated.
func (g *Gateway) syndicate(ctx context.Context, root ipld.CID) error {
	log.Info("syndicating new counterpart history", "root", root)
	return nil
}
