package sphere

import (
	"context"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// Revision is an unsigned next memo, already branched from its parent
// with a bumped lamport-order header, waiting on a signature before it
// can become a sphere's new tip. Cursor.Apply is the only constructor.
type Revision struct {
	store  storage.BlockStore
	Parent ipld.Link[memo.Memo]
	Body   ipld.Link[memo.BodyChunk]
	memo   memo.Memo
}

// Sign finishes the revision: signer signs over the body CID, proof
// witnesses the capability that authorizes the write (nil for an
// owner-key signature), and the resulting SignedMemo is persisted as a
// block so its CID can immediately serve as a sphere's new tip.
func (r *Revision) Sign(ctx context.Context, signer authority.Signer, proof *ipld.CID) (*memo.SignedMemo, error) {
	parent := r.Parent
	signed, err := memo.Sign(ctx, signer, &parent, proof, r.Body, r.memo.Headers)
	if err != nil {
		return nil, err
	}
	block, err := ipld.Encode(signed.Memo)
	if err != nil {
		return nil, err
	}
	if err := r.store.PutBlock(ctx, block); err != nil {
		return nil, err
	}
	return signed, nil
}
