package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
)

func newActivation(licenseID, domain string) *license.Activation {
	now := time.Now()
	return &license.Activation{
		ID:          "act-" + domain,
		LicenseID:   licenseID,
		Domain:      domain,
		IsActive:    true,
		ActivatedAt: now,
		LastSeenAt:  now,
	}
}

func TestActivationStoreUpsert(t *testing.T) {
	store := NewActivationStore()
	ctx := context.Background()

	first, err := store.Upsert(ctx, newActivation("lic-1", "a.example.com"), 2)
	require.NoError(t, err)
	assert.Zero(t, first.ValidationCount)

	// Same domain again: a touch, not a new slot.
	touched, err := store.Upsert(ctx, newActivation("lic-1", "a.example.com"), 2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, touched.ID)
	assert.Equal(t, int64(1), touched.ValidationCount)

	_, err = store.Upsert(ctx, newActivation("lic-1", "b.example.com"), 2)
	require.NoError(t, err)

	_, err = store.Upsert(ctx, newActivation("lic-1", "c.example.com"), 2)
	assert.ErrorIs(t, err, license.ErrActivationLimitExceeded)

	// Unlimited licenses never hit the cap.
	_, err = store.Upsert(ctx, newActivation("lic-2", "c.example.com"), 0)
	require.NoError(t, err)

	// Developer rows bypass the cap and do not count.
	dev := newActivation("lic-1", "localhost")
	dev.IsDeveloper = true
	_, err = store.Upsert(ctx, dev, 2)
	require.NoError(t, err)

	n, err := store.CountActive(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestActivationStoreUpsertConcurrentLimit(t *testing.T) {
	store := NewActivationStore()
	ctx := context.Background()
	const maxActive = 3
	const attempts = 40

	var wg sync.WaitGroup
	var succeeded, limited atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			domain := fmt.Sprintf("site-%d.example.com", i)
			_, err := store.Upsert(ctx, newActivation("lic-1", domain), maxActive)
			switch {
			case err == nil:
				succeeded.Add(1)
			case err == license.ErrActivationLimitExceeded:
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(maxActive), succeeded.Load(), "exactly maxActive activations may win")
	assert.Equal(t, int64(attempts-maxActive), limited.Load())

	n, err := store.CountActive(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, maxActive, n)
}

func TestActivationStoreDeactivateAndRebind(t *testing.T) {
	store := NewActivationStore()
	ctx := context.Background()

	first, err := store.Upsert(ctx, newActivation("lic-1", "a.example.com"), 1)
	require.NoError(t, err)

	ok, err := store.Deactivate(ctx, "lic-1", "a.example.com", "moved")
	require.NoError(t, err)
	assert.True(t, ok)

	acts, err := store.FindByLicense(ctx, "lic-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.False(t, acts[0].IsActive)
	assert.Equal(t, "moved", acts[0].DeactivationReason)
	require.NotNil(t, acts[0].DeactivatedAt)

	// Deactivating twice reports false without error.
	ok, err = store.Deactivate(ctx, "lic-1", "a.example.com", "again")
	require.NoError(t, err)
	assert.False(t, ok)

	// Rebinding the domain keeps the row identity and reclaims the slot.
	rebound, err := store.Upsert(ctx, newActivation("lic-1", "a.example.com"), 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, rebound.ID)
	assert.True(t, rebound.IsActive)
}

func TestActivationStoreCleanupOlderThan(t *testing.T) {
	store := NewActivationStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, newActivation("lic-1", "live.example.com"), 0)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, newActivation("lic-1", "dead.example.com"), 0)
	require.NoError(t, err)
	_, err = store.Deactivate(ctx, "lic-1", "dead.example.com", "gone")
	require.NoError(t, err)

	removed, err := store.CleanupOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed, "recently deactivated rows are kept")

	removed, err = store.CleanupOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	act, err := store.Find(ctx, "lic-1", "live.example.com")
	require.NoError(t, err)
	assert.NotNil(t, act, "active rows are never purged")
}
