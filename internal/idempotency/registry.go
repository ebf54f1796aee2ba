// Package idempotency mints and replays the opaque keys sent to providers.
//
// A provider deduplicates on the idempotency key, so the same logical call
// must present the same key across every physical retry. Keys are scoped to
// one attempt and live on its durable record: minting survives restarts.
package idempotency

import (
	"fmt"

	"github.com/google/uuid"
)

// Registry hands out idempotency keys for one attempt. It wraps the
// attempt's own key map, which the owning actor persists with the attempt.
type Registry struct {
	keys map[string]string
}

// NewRegistry wraps an attempt's idempotency key map. The map is mutated
// in place so minted keys are persisted together with the attempt.
func NewRegistry(keys map[string]string) *Registry {
	return &Registry{keys: keys}
}

// GetOrCreate returns the key previously minted for (operation,
// retryGeneration), or mints and records a new one. A key is immutable
// once minted.
func (r *Registry) GetOrCreate(operation string, retryGeneration int) string {
	slot := fmt.Sprintf("%s:%d", operation, retryGeneration)
	if k, ok := r.keys[slot]; ok {
		return k
	}
	k := uuid.New().String()
	r.keys[slot] = k
	return k
}
