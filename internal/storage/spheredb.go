package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

const (
	nsVersions = "versions"
	nsMetadata = "metadata"
	nsEphemeral = "ephemeral"
)

// SphereDB layers the four namespaced sub-stores a sphere's persisted
// state is made of (blocks, link-index, versions, metadata) over one
// backing datastore.Datastore root, the way TieredPatternStorage layers
// named tiers over one arena in the teacher's pattern store.
type SphereDB struct {
	root     datastore.Datastore
	Blocks   BlockStore
	Versions datastore.Datastore
	Metadata datastore.Datastore
}

// OpenSphereDB wraps ds as a SphereDB, sweeping any Ephemeral namespaces
// left behind by a prior run that crashed before calling Dispose — the
// crash-safety requirement every scoped namespace is held to.
func OpenSphereDB(ctx context.Context, ds datastore.Datastore) (*SphereDB, error) {
	db := &SphereDB{
		root: ds,
		// NewBlockStore manages its own "blocks"/"links" sub-prefixes
		// directly over ds, so it gets the unwrapped root rather than a
		// namespace already scoped to one of those prefixes.
		Blocks:   NewBlockStore(ds),
		Versions: namespace.Wrap(ds, datastore.NewKey(nsVersions)),
		Metadata: namespace.Wrap(ds, datastore.NewKey(nsMetadata)),
	}
	if err := db.sweepEphemeral(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// ScopedSphereDB prefixes every namespace with owner (a sphere's DID),
// letting multiple spheres share one parent datastore without their
// key spaces colliding.
func ScopedSphereDB(ctx context.Context, owner string, parent datastore.Datastore) (*SphereDB, error) {
	scoped := namespace.Wrap(parent, datastore.NewKey(owner))
	return OpenSphereDB(ctx, scoped)
}

// Ephemeral is a throwaway, UUID-namespaced scratch store for a single
// operation (sync staging, body re-chunking) that must not leave state
// behind if the operation never finishes.
type Ephemeral struct {
	id string
	ds datastore.Datastore
}

// Ephemeral allocates a fresh scoped namespace under the ephemeral
// prefix and returns a handle whose Dispose wipes it.
func (db *SphereDB) Ephemeral() *Ephemeral {
	id := uuid.NewString()
	prefix := datastore.NewKey(nsEphemeral).ChildString(id)
	return &Ephemeral{id: id, ds: namespace.Wrap(db.root, prefix)}
}

// Store exposes the scoped datastore for direct get/put use.
func (e *Ephemeral) Store() datastore.Datastore { return e.ds }

// Dispose deletes every key under this namespace.
func (e *Ephemeral) Dispose(ctx context.Context) error {
	results, err := e.ds.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	defer results.Close()
	for entry := range results.Next() {
		if entry.Error != nil {
			continue
		}
		if err := e.ds.Delete(ctx, datastore.RawKey(entry.Key)); err != nil {
			return errs.Wrap(errs.Storage, err)
		}
	}
	return nil
}

// sweepEphemeral deletes every key under the ephemeral prefix regardless
// of which run's UUID it belongs to, on the theory that any ephemeral
// data still present at open time belongs to a run that never called
// Dispose.
func (db *SphereDB) sweepEphemeral(ctx context.Context) error {
	base := namespace.Wrap(db.root, datastore.NewKey(nsEphemeral))
	results, err := base.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	defer results.Close()
	var stale []datastore.Key
	for entry := range results.Next() {
		if entry.Error != nil {
			continue
		}
		stale = append(stale, datastore.RawKey(entry.Key))
	}
	for _, k := range stale {
		if err := base.Delete(ctx, k); err != nil {
			return errs.Wrap(errs.Storage, err)
		}
	}
	return nil
}

// Flush calls the backing datastore's Sync over the whole key space if
// it has one; otherwise it is a no-op best effort durability barrier.
func (db *SphereDB) Flush(ctx context.Context) error {
	type syncer interface {
		Sync(ctx context.Context, prefix datastore.Key) error
	}
	if s, ok := db.root.(syncer); ok {
		if err := s.Sync(ctx, datastore.NewKey("/")); err != nil {
			return errs.Wrap(errs.Storage, err)
		}
	}
	return nil
}
