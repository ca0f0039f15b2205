package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-datastore"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

const (
	keyAuthorKeyName         = "author-key-name"
	keyGatewayURL            = "gateway-url"
	keyCounterpartDID        = "counterpart-did"
	keySyndicationCheckpoint = "syndication-checkpoint"
	keyLastMigrationStep     = "last-migration-step"
)

// LocalMetadata is a typed accessor over SphereDB's metadata table,
// replacing ad-hoc string-keyed gets/puts with named methods for the
// handful of workspace-local settings a sphere carries: which key
// signs it, which gateway it syncs against, and which sphere it's
// paired with.
type LocalMetadata struct {
	ds datastore.Datastore
}

// LocalMetadata returns the typed accessor over this SphereDB's
// metadata table.
func (db *SphereDB) LocalMetadata() *LocalMetadata {
	return &LocalMetadata{ds: db.Metadata}
}

func (m *LocalMetadata) get(ctx context.Context, key string) (string, bool, error) {
	v, err := m.ds.Get(ctx, datastore.NewKey(key))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.Storage, err)
	}
	return string(v), true, nil
}

func (m *LocalMetadata) set(ctx context.Context, key, value string) error {
	if err := m.ds.Put(ctx, datastore.NewKey(key), []byte(value)); err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	return nil
}

// AuthorKeyName returns the local key-storage name of the key this
// workspace signs revisions with.
func (m *LocalMetadata) AuthorKeyName(ctx context.Context) (string, bool, error) {
	return m.get(ctx, keyAuthorKeyName)
}

func (m *LocalMetadata) SetAuthorKeyName(ctx context.Context, name string) error {
	return m.set(ctx, keyAuthorKeyName, name)
}

// GatewayURL returns the gateway this workspace syncs against.
func (m *LocalMetadata) GatewayURL(ctx context.Context) (string, bool, error) {
	return m.get(ctx, keyGatewayURL)
}

func (m *LocalMetadata) SetGatewayURL(ctx context.Context, url string) error {
	return m.set(ctx, keyGatewayURL, url)
}

// CounterpartDID returns the gateway-side sphere this workspace
// represents.
func (m *LocalMetadata) CounterpartDID(ctx context.Context) (string, bool, error) {
	return m.get(ctx, keyCounterpartDID)
}

func (m *LocalMetadata) SetCounterpartDID(ctx context.Context, did string) error {
	return m.set(ctx, keyCounterpartDID, did)
}

// SyndicationCheckpoint returns the last syndication job checkpoint
// recorded for this workspace.
func (m *LocalMetadata) SyndicationCheckpoint(ctx context.Context) (string, bool, error) {
	return m.get(ctx, keySyndicationCheckpoint)
}

func (m *LocalMetadata) SetSyndicationCheckpoint(ctx context.Context, checkpoint string) error {
	return m.set(ctx, keySyndicationCheckpoint, checkpoint)
}

// LastMigrationStep returns the name of the last migration step Migrate
// successfully applied against this SphereDB.
func (m *LocalMetadata) LastMigrationStep(ctx context.Context) (string, bool, error) {
	return m.get(ctx, keyLastMigrationStep)
}

func (m *LocalMetadata) setLastMigrationStep(ctx context.Context, step string) error {
	return m.set(ctx, keyLastMigrationStep, step)
}
