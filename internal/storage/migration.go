package storage

import (
	"context"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

// MigrationStep is one idempotent, ordered step applied against a
// SphereDB's persisted state. Name is used purely as Migrate's
// high-water mark, not to resolve ordering between steps — callers
// supply steps already in the order they must run.
type MigrationStep struct {
	Name string
	Run  func(ctx context.Context, db *SphereDB) error
}

// Migrate applies every step after the last one this SphereDB recorded
// as already applied, recording each step's name once it succeeds. A
// fresh Ephemeral namespace is allocated before each step and disposed
// after it; the step is handed only db, not that namespace, so what it
// writes goes to db directly and stays there if the step fails partway.
func Migrate(ctx context.Context, db *SphereDB, steps []MigrationStep) error {
	last, _, err := db.LocalMetadata().LastMigrationStep(ctx)
	if err != nil {
		return err
	}

	applying := last == ""
	for _, step := range steps {
		if !applying {
			if step.Name == last {
				applying = true
			}
			continue
		}

		scratch := db.Ephemeral()
		if err := step.Run(ctx, db); err != nil {
			_ = scratch.Dispose(ctx)
			return errs.Wrapf(errs.Storage, "storage: migration step %q failed: %v", step.Name, err)
		}
		if err := scratch.Dispose(ctx); err != nil {
			return err
		}
		if err := db.LocalMetadata().setLastMigrationStep(ctx, step.Name); err != nil {
			return err
		}
	}
	return nil
}
