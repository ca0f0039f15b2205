package replication

import (
	"context"
	"io"
	"iter"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// bloomFalsePositiveRate bounds how often the exclude-set pre-check
// wrongly flags a block as possibly-already-known, forcing the exact
// fallback lookup in excludeSet. Too low wastes memory on the filter;
// too high defeats the point of checking it before the map.
const bloomFalsePositiveRate = 0.01

// excludeSet is the set of blocks a counterpart is assumed to already
// hold — everything reachable from a since root — represented as an
// exact membership map behind a Bloom filter pre-check so a large
// incremental sync doesn't pay a map lookup for every candidate block.
type excludeSet struct {
	exact  map[ipld.CID]bool
	filter *bloom.BloomFilter
}

func (s *excludeSet) contains(c ipld.CID) bool {
	if s == nil {
		return false
	}
	if !s.filter.Test(c.Bytes()) {
		return false
	}
	return s.exact[c]
}

// buildExcludeSet walks every block reachable from since and returns
// the set Stream prunes its own traversal against. A nil since yields a
// nil excludeSet, i.e. no pruning — the full-body fallback spec.md
// describes when incremental replication isn't eligible.
func buildExcludeSet(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*excludeSet, error) {
	if since == nil {
		return nil, nil
	}
	blocks, err := store.StreamBlocks(ctx, *since)
	if err != nil {
		return nil, err
	}
	exact := map[ipld.CID]bool{}
	for block := range blocks {
		exact[block.CID] = true
	}
	n := len(exact)
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(uint(n), bloomFalsePositiveRate)
	for c := range exact {
		filter.Add(c.Bytes())
	}
	return &excludeSet{exact: exact, filter: filter}, nil
}

// contentLinkOf decodes root as a sphere revision and returns the CID of
// its published-content HAMT root, the one subtree Stream prunes when
// includeContent is false. A root that doesn't decode as a sphere memo
// simply has nothing to prune — (Undef, false) — and Stream streams it
// in full regardless of includeContent.
func contentLinkOf(ctx context.Context, store storage.BlockStore, root ipld.CID) (ipld.CID, bool) {
	block, err := store.GetBlock(ctx, root)
	if err != nil {
		return ipld.Undef, false
	}
	var m memo.Memo
	if err := ipld.Decode(block.Bytes, &m); err != nil {
		return ipld.Undef, false
	}
	bodyBytes, err := io.ReadAll(memo.DecodeBody(ctx, store, m.Body))
	if err != nil {
		return ipld.Undef, false
	}
	var body memo.SphereBody
	if err := ipld.Decode(bodyBytes, &body); err != nil {
		return ipld.Undef, false
	}
	if body.Content.IsUndef() {
		return ipld.Undef, false
	}
	return body.Content.CID, true
}

// Stream yields every block needed to materialize root, breadth-first,
// skipping anything already reachable from since (the incremental case)
// and, when includeContent is false, the sphere's published-content
// subtree entirely (the metadata-only replicate call). The returned
// function reports any error Stream encountered; it is only meaningful
// once the sequence has been fully drained or abandoned.
func Stream(ctx context.Context, store storage.BlockStore, root ipld.CID, since *ipld.CID, includeContent bool) (iter.Seq2[ipld.CID, []byte], func() error) {
	var streamErr error

	seq := func(yield func(ipld.CID, []byte) bool) {
		excl, err := buildExcludeSet(ctx, store, since)
		if err != nil {
			streamErr = err
			return
		}

		skip := map[ipld.CID]bool{}
		if !includeContent {
			if contentCID, ok := contentLinkOf(ctx, store, root); ok {
				skip[contentCID] = true
			}
		}

		visited := map[ipld.CID]bool{}
		queue := []ipld.CID{root}
		for len(queue) > 0 {
			select {
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			default:
			}

			c := queue[0]
			queue = queue[1:]
			if c == ipld.Undef || visited[c] || skip[c] {
				continue
			}
			visited[c] = true
			if excl.contains(c) {
				continue
			}

			block, err := store.GetBlock(ctx, c)
			if err != nil {
				streamErr = err
				return
			}
			if !yield(c, block.Bytes) {
				return
			}
			if block.Codec != ipld.DagCbor {
				continue
			}
			links, err := ipld.ExtractLinksFromBytes(block.Bytes)
			if err != nil {
				streamErr = err
				return
			}
			for _, l := range links {
				if !visited[l] && !skip[l] {
					queue = append(queue, l)
				}
			}
		}
	}
	return seq, func() error { return streamErr }
}

// WriteArchive drains Stream into w framed as an archive rooted at
// root, returning the archive's orphan list once the stream is fully
// consumed.
func WriteArchive(ctx context.Context, store storage.BlockStore, w io.Writer, root ipld.CID, since *ipld.CID, includeContent bool) ([]ipld.CID, error) {
	enc := NewEncoder(w, []ipld.CID{root})
	if err := enc.WriteHeader(); err != nil {
		return nil, err
	}
	seq, errf := Stream(ctx, store, root, since, includeContent)
	for c, data := range seq {
		codec := ipld.Codec(c.Type())
		if err := enc.Put(c, codec, data); err != nil {
			return nil, err
		}
	}
	if err := errf(); err != nil {
		return nil, err
	}
	return enc.Orphans(), nil
}

// ReadArchive parses an archive from r, persisting every block into
// store after hash verification and returning the header it declared.
func ReadArchive(ctx context.Context, store storage.BlockStore, r io.Reader) (Header, error) {
	dec := NewDecoder(r)
	header, err := dec.ReadHeader()
	if err != nil {
		return Header{}, err
	}
	for {
		c, data, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, err
		}
		block := ipld.Block{CID: c, Codec: ipld.Codec(c.Type()), Bytes: data}
		if err := store.PutBlock(ctx, block); err != nil {
			return Header{}, err
		}
	}
	return header, nil
}
