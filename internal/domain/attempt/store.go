package attempt

import (
	"context"
)

// Store defines the interface for durable attempt persistence.
// One entry per attempt, keyed by Key.String().
type Store interface {
	// Load retrieves an attempt by key. Returns errors.ErrAttemptNotFound
	// when no record exists.
	Load(ctx context.Context, key Key) (*Attempt, error)

	// Save persists the attempt guarded by optimistic concurrency:
	// the write succeeds only if the stored version still equals
	// expectedVersion. Returns errors.ErrVersionConflict otherwise.
	// expectedVersion 0 means the record must not exist yet.
	Save(ctx context.Context, a *Attempt, expectedVersion int64) error

	// FindByProviderRef locates an attempt by the provider transaction
	// reference, scoped to org and provider. Used by webhook reconciliation.
	FindByProviderRef(ctx context.Context, orgID, provider, ref string) (*Attempt, error)
}
