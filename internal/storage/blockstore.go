// Package storage implements the block store and the namespaced sphere
// database it backs onto, the way kernel/threads/pattern's tiered pattern
// store layers named stores over one backing medium, generalized here to
// a single github.com/ipfs/go-datastore.Datastore root.
package storage

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// BlockStore is the pluggable content-addressed storage interface every
// sphere operation reads and writes blocks through. Alternate backends
// (embedded KV engines, platform storage) plug in by handing
// NewBlockStore a different datastore.Datastore.
type BlockStore interface {
	PutBlock(ctx context.Context, block ipld.Block) error
	GetBlock(ctx context.Context, c ipld.CID) (ipld.Block, error)
	HasBlock(ctx context.Context, c ipld.CID) (bool, error)

	// StreamLinks yields every CID the block at root directly references,
	// read back out of the link-index table PutBlock maintains.
	StreamLinks(ctx context.Context, root ipld.CID) (<-chan ipld.CID, error)

	// QueryLinks is StreamLinks filtered by predicate, so a caller doesn't
	// have to drain and re-filter the whole channel itself.
	QueryLinks(ctx context.Context, root ipld.CID, predicate func(ipld.CID) bool) (<-chan ipld.CID, error)

	// StreamBlocks walks the DAG rooted at root breadth-first, yielding
	// every reachable block exactly once.
	StreamBlocks(ctx context.Context, root ipld.CID) (<-chan ipld.Block, error)
}

const (
	blocksPrefix = "blocks"
	linksPrefix  = "links"
)

type datastoreBlockStore struct {
	ds datastore.Datastore
}

// NewBlockStore wraps a datastore.Datastore as a BlockStore. SphereDB
// hands it its own root datastore (owner-prefixed when opened through
// ScopedSphereDB); it never prefixes keys itself beyond the block/link
// split.
func NewBlockStore(ds datastore.Datastore) BlockStore {
	return &datastoreBlockStore{ds: ds}
}

func blockKey(c ipld.CID) datastore.Key {
	return datastore.NewKey(blocksPrefix).ChildString(c.String())
}

func linkKey(root, target ipld.CID) datastore.Key {
	return datastore.NewKey(linksPrefix).ChildString(root.String()).ChildString(target.String())
}

func (s *datastoreBlockStore) PutBlock(ctx context.Context, block ipld.Block) error {
	if err := s.ds.Put(ctx, blockKey(block.CID), block.Bytes); err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	if block.Codec != ipld.DagCbor {
		return nil
	}
	links, err := ipld.ExtractLinksFromBytes(block.Bytes)
	if err != nil {
		return nil
	}
	for _, target := range links {
		if err := s.ds.Put(ctx, linkKey(block.CID, target), []byte{1}); err != nil {
			return errs.Wrap(errs.Storage, err)
		}
	}
	return nil
}

func (s *datastoreBlockStore) GetBlock(ctx context.Context, c ipld.CID) (ipld.Block, error) {
	data, err := s.ds.Get(ctx, blockKey(c))
	if err != nil {
		if err == datastore.ErrNotFound {
			return ipld.Block{}, errs.Wrapf(errs.MissingBlock, "block %s not found", c)
		}
		return ipld.Block{}, errs.Wrap(errs.Storage, err)
	}
	if !ipld.Verify(c, data) {
		return ipld.Block{}, errs.Wrapf(errs.CorruptBlock, "block %s failed hash verification", c)
	}
	return ipld.Block{CID: c, Codec: ipld.Codec(c.Type()), Bytes: data}, nil
}

func (s *datastoreBlockStore) HasBlock(ctx context.Context, c ipld.CID) (bool, error) {
	ok, err := s.ds.Has(ctx, blockKey(c))
	if err != nil {
		return false, errs.Wrap(errs.Storage, err)
	}
	return ok, nil
}

func (s *datastoreBlockStore) StreamLinks(ctx context.Context, root ipld.CID) (<-chan ipld.CID, error) {
	prefix := datastore.NewKey(linksPrefix).ChildString(root.String())
	results, err := s.ds.Query(ctx, query.Query{Prefix: prefix.String()})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err)
	}
	out := make(chan ipld.CID)
	go func() {
		defer close(out)
		defer results.Close()
		for entry := range results.Next() {
			if entry.Error != nil {
				continue
			}
			k := datastore.RawKey(entry.Key)
			c, err := cid.Decode(k.BaseNamespace())
			if err != nil {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *datastoreBlockStore) QueryLinks(ctx context.Context, root ipld.CID, predicate func(ipld.CID) bool) (<-chan ipld.CID, error) {
	all, err := s.StreamLinks(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make(chan ipld.CID)
	go func() {
		defer close(out)
		for c := range all {
			if predicate == nil || predicate(c) {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *datastoreBlockStore) StreamBlocks(ctx context.Context, root ipld.CID) (<-chan ipld.Block, error) {
	out := make(chan ipld.Block)
	go func() {
		defer close(out)
		visited := map[ipld.CID]bool{}
		queue := []ipld.CID{root}
		for len(queue) > 0 {
			c := queue[0]
			queue = queue[1:]
			if visited[c] || c == ipld.Undef {
				continue
			}
			visited[c] = true
			block, err := s.GetBlock(ctx, c)
			if err != nil {
				continue
			}
			select {
			case out <- block:
			case <-ctx.Done():
				return
			}
			links, err := s.StreamLinks(ctx, c)
			if err != nil {
				continue
			}
			for l := range links {
				if !visited[l] {
					queue = append(queue, l)
				}
			}
		}
	}()
	return out, nil
}

