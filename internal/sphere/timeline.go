package sphere

import (
	"context"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// maxChronologicalEntries bounds a single Timeslice walk so a
// corrupt or cyclic parent chain can't spin a caller forever.
const maxChronologicalEntries = 10000

// MemoEntry pairs a decoded memo with the CID it's persisted under.
type MemoEntry struct {
	CID  ipld.CID
	Memo memo.Memo
}

// Timeline walks a sphere's parent-linked history backward from any
// tip memo.
type Timeline struct {
	Store storage.BlockStore
}

// Timeslice bounds a Timeline walk between two tips: future is where
// the walk starts (inclusive), past is where it stops (exclusive, nil
// to walk all the way to the first memo).
type Timeslice struct {
	store  storage.BlockStore
	future ipld.Link[memo.Memo]
	past   *ipld.Link[memo.Memo]
}

// Slice bounds a walk from future back toward (but not including) past.
func (t *Timeline) Slice(future ipld.Link[memo.Memo], past *ipld.Link[memo.Memo]) *Timeslice {
	return &Timeslice{store: t.Store, future: future, past: past}
}

// Collect reads every memo in the slice, most recent first, stopping at
// past (exclusive) or the sphere's first memo, whichever comes first.
// It refuses to walk past maxChronologicalEntries so a cyclic or
// unbounded parent chain can't hang a caller.
func (s *Timeslice) Collect(ctx context.Context) ([]MemoEntry, error) {
	var out []MemoEntry
	cursor := s.future
	for {
		if cursor.IsUndef() {
			return nil, errs.New(errs.MissingBlock, "sphere: timeslice references an undefined memo")
		}
		if s.past != nil && !s.past.IsUndef() && cursor.CID == s.past.CID {
			return out, nil
		}
		if len(out) >= maxChronologicalEntries {
			return nil, errs.New(errs.Internal, "sphere: timeslice exceeded maximum walk length")
		}

		block, err := s.store.GetBlock(ctx, cursor.CID)
		if err != nil {
			return nil, err
		}
		var m memo.Memo
		if err := ipld.Decode(block.Bytes, &m); err != nil {
			return nil, err
		}
		out = append(out, MemoEntry{CID: cursor.CID, Memo: m})

		if m.Parent == nil {
			return out, nil
		}
		cursor = *m.Parent
	}
}

// Chronological is Collect with the order reversed, oldest first — the
// order a caller replaying history for display usually wants.
func (s *Timeslice) Chronological(ctx context.Context) ([]MemoEntry, error) {
	entries, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	reversed := make([]MemoEntry, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}
	return reversed, nil
}
