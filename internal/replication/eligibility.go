// Package replication implements block-level DAG streaming between a
// sphere's local store and a counterpart, and the content-addressed
// archive framing that streaming is carried over on the wire.
package replication

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// maxCausalWalk bounds the parent-chain walk IsAllowedToReplicateIncrementally
// performs to decide whether since precedes version, the same ceiling
// Timeslice.Collect applies to a bounded history walk.
const maxCausalWalk = 10000

// IsAllowedToReplicateIncrementally decides whether replicating from
// since forward to version may stream only the changed sub-DAGs between
// them rather than version's whole body. Eligibility requires that both
// memos are sphere revisions (content-type noosphere/sphere), that
// since is a causal ancestor of version, and that their proofs (if any)
// resolve to the same audience — the sphere DID neither side can fake
// its way past a revocation fork into.
func IsAllowedToReplicateIncrementally(ctx context.Context, store storage.BlockStore, since, version ipld.Link[memo.Memo]) (bool, error) {
	sinceMemo, err := loadMemo(ctx, store, since.CID)
	if err != nil {
		return false, err
	}
	versionMemo, err := loadMemo(ctx, store, version.CID)
	if err != nil {
		return false, err
	}
	if !sinceMemo.IsSphereMemo() || !versionMemo.IsSphereMemo() {
		return false, nil
	}

	sinceAud, err := memoAudience(ctx, store, *sinceMemo)
	if err != nil {
		return false, nil
	}
	versionAud, err := memoAudience(ctx, store, *versionMemo)
	if err != nil {
		return false, nil
	}
	if sinceAud != versionAud {
		return false, nil
	}

	return isCausalAncestor(ctx, store, since.CID, version.CID)
}

func loadMemo(ctx context.Context, store storage.BlockStore, c ipld.CID) (*memo.Memo, error) {
	block, err := store.GetBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	var m memo.Memo
	if err := ipld.Decode(block.Bytes, &m); err != nil {
		return nil, errs.Wrap(errs.CorruptBlock, err)
	}
	return &m, nil
}

// memoAudience resolves the DID a memo's signature is ultimately
// accountable to: the proof's audience if the memo carries one, or the
// memo's own author for an owner-key signature, which needs no
// delegation to be self-authoritative.
func memoAudience(ctx context.Context, store storage.BlockStore, m memo.Memo) (authority.DID, error) {
	proofStr, ok := m.Headers.Get(memo.HeaderProof)
	if !ok {
		author, ok := m.Author()
		if !ok {
			return "", errs.New(errs.BadRequest, "replication: memo has neither proof nor author")
		}
		return author, nil
	}
	proofCID, err := cid.Decode(proofStr)
	if err != nil {
		return "", errs.Wrap(errs.BadRequest, err)
	}
	tokenBlock, err := store.GetBlock(ctx, proofCID)
	if err != nil {
		return "", err
	}
	token, err := authority.Parse(string(tokenBlock.Bytes))
	if err != nil {
		return "", err
	}
	return token.Payload.Aud, nil
}

// isCausalAncestor reports whether ancestor's CID appears in version's
// parent chain, walking backward up to maxCausalWalk memos.
func isCausalAncestor(ctx context.Context, store storage.BlockStore, ancestor, version ipld.CID) (bool, error) {
	cur := version
	for i := 0; i < maxCausalWalk; i++ {
		if cur.Equals(ancestor) {
			return true, nil
		}
		m, err := loadMemo(ctx, store, cur)
		if err != nil {
			return false, nil
		}
		if m.Parent == nil {
			return false, nil
		}
		cur = m.Parent.CID
	}
	return false, nil
}
