package idempotency_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestack/payproc/internal/idempotency"
)

func TestGetOrCreate_StableAcrossCalls(t *testing.T) {
	keys := make(map[string]string)
	r := idempotency.NewRegistry(keys)

	first := r.GetOrCreate("authorize", 0)
	second := r.GetOrCreate("authorize", 0)
	assert.Equal(t, first, second)

	_, err := uuid.Parse(first)
	assert.NoError(t, err)
}

func TestGetOrCreate_NewKeyPerRetryGeneration(t *testing.T) {
	r := idempotency.NewRegistry(make(map[string]string))

	gen0 := r.GetOrCreate("authorize", 0)
	gen1 := r.GetOrCreate("authorize", 1)
	assert.NotEqual(t, gen0, gen1)

	// Each generation stays stable independently.
	assert.Equal(t, gen0, r.GetOrCreate("authorize", 0))
	assert.Equal(t, gen1, r.GetOrCreate("authorize", 1))
}

func TestGetOrCreate_DistinctOperations(t *testing.T) {
	r := idempotency.NewRegistry(make(map[string]string))

	auth := r.GetOrCreate("authorize", 0)
	capture := r.GetOrCreate("capture_5000", 0)
	refund := r.GetOrCreate("refund_2000", 0)
	assert.NotEqual(t, auth, capture)
	assert.NotEqual(t, capture, refund)
}

func TestGetOrCreate_SurvivesMapRoundTrip(t *testing.T) {
	// Minted keys live on the attempt's persisted map; a registry rebuilt
	// over the same map replays them.
	keys := make(map[string]string)
	minted := idempotency.NewRegistry(keys).GetOrCreate("authorize", 2)

	replayed := idempotency.NewRegistry(keys).GetOrCreate("authorize", 2)
	require.Equal(t, minted, replayed)
	assert.Len(t, keys, 1)
}
