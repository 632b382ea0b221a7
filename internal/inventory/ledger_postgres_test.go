package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/testutil"
)

// TestPostgresNoOversell runs the reservation race against a real PostgreSQL
// with a connection pool, so reservations truly run in parallel.
func TestPostgresNoOversell(t *testing.T) {
	db := testutil.NewPostgresDB(t)
	ctx := context.Background()

	event := testutil.SeedEvent(t, db, time.Now().Add(24*time.Hour))
	l := NewLedger(db, logger.NewNop())
	tier, err := l.CreateTier(ctx, CreateTierRequest{EventID: event.ID, Name: "GA", Quantity: 10})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, tier.ID, 1)
			if err == nil {
				ok.Add(1)
				return
			}
			if !errors.Is(err, models.ErrInsufficientInventory) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())

	got, err := l.GetTier(ctx, tier.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableQuantity)
	assert.Equal(t, 10, got.HeldQuantity)
	assert.NoError(t, got.CheckInvariant())
}
