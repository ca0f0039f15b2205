package syncengine

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// Metadata is the local, non-content-addressed sync state spec.md §4.7
// step 1 persists across sync calls: the gateway's identity once
// learned, and the counterpart tip this workspace last reconciled
// against (`local_counterpart_base`). Sync's step 6 rolls this back to
// its pre-sync value on any mid-sync failure.
type Metadata struct {
	GatewayIdentity string
	CounterpartBase *ipld.CID
}

// MetadataStore persists Metadata outside the content-addressed block
// store, the way a workspace's version pointers and author key live
// alongside (not inside) its sphere database.
type MetadataStore interface {
	Load(ctx context.Context) (Metadata, error)
	Save(ctx context.Context, meta Metadata) error
}

const metadataKey = "/sync/metadata"

// datastoreMetadataStore persists Metadata as a tiny CBOR blob in the
// same kind of datastore.Datastore internal/storage.BlockStore wraps,
// keeping the sync engine's ambient state on the same storage substrate
// without requiring a BlockStore (metadata isn't content-addressed:
// it's updated in place, not appended).
type datastoreMetadataStore struct {
	ds datastore.Datastore
}

// NewMetadataStore wraps a datastore.Datastore for the sync engine's
// local pointers.
func NewMetadataStore(ds datastore.Datastore) MetadataStore {
	return &datastoreMetadataStore{ds: ds}
}

type wireMetadata struct {
	GatewayIdentity string    `cbor:"gateway_identity,omitempty"`
	CounterpartBase *[]byte   `cbor:"counterpart_base,omitempty"`
}

func (s *datastoreMetadataStore) Load(ctx context.Context) (Metadata, error) {
	has, err := s.ds.Has(ctx, datastore.NewKey(metadataKey))
	if err != nil {
		return Metadata{}, errs.Wrap(errs.Storage, err)
	}
	if !has {
		return Metadata{}, nil
	}
	data, err := s.ds.Get(ctx, datastore.NewKey(metadataKey))
	if err != nil {
		return Metadata{}, errs.Wrap(errs.Storage, err)
	}
	var wire wireMetadata
	if err := ipld.Decode(data, &wire); err != nil {
		return Metadata{}, errs.Wrap(errs.BadRequest, err)
	}
	meta := Metadata{GatewayIdentity: wire.GatewayIdentity}
	if wire.CounterpartBase != nil {
		c, err := cid.Cast(*wire.CounterpartBase)
		if err != nil {
			return Metadata{}, errs.Wrap(errs.BadRequest, err)
		}
		meta.CounterpartBase = &c
	}
	return meta, nil
}

func (s *datastoreMetadataStore) Save(ctx context.Context, meta Metadata) error {
	wire := wireMetadata{GatewayIdentity: meta.GatewayIdentity}
	if meta.CounterpartBase != nil {
		b := meta.CounterpartBase.Bytes()
		wire.CounterpartBase = &b
	}
	block, err := ipld.Encode(wire)
	if err != nil {
		return err
	}
	if err := s.ds.Put(ctx, datastore.NewKey(metadataKey), block.Bytes); err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	return nil
}
