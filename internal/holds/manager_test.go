package holds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/inventory"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/promo"
	"ms-ticket-inventory/internal/testutil"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) ScheduleHold(ctx context.Context, holdID string, at time.Time) error {
	return m.Called(ctx, holdID, at).Error(0)
}

func (m *MockScheduler) CancelHold(ctx context.Context, holdID string) error {
	return m.Called(ctx, holdID).Error(0)
}

type fixture struct {
	db      *database.DB
	clock   *clock.Manual
	ledger  *inventory.Ledger
	manager *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testutil.Epoch)
	log := logger.NewNop()
	ledger := inventory.NewLedger(db, log, inventory.WithClock(clk))
	validator := promo.NewValidator(db, clk, log)
	cfg := config.HoldConfig{DefaultTTL: 10 * time.Minute, MaxTTL: 30 * time.Minute, MaxQuantity: 6}
	opts = append([]Option{WithClock(clk)}, opts...)
	return &fixture{
		db:      db,
		clock:   clk,
		ledger:  ledger,
		manager: NewManager(db, ledger, validator, cfg, log, opts...),
	}
}

func (f *fixture) tier(t *testing.T, total int) *models.TicketTier {
	return testutil.SeedTier(t, f.db, "evt-1", total, "50.00")
}

func TestCreateHoldReservesInventory(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 10)

	hold, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 3})
	require.NoError(t, err)

	assert.Equal(t, models.HoldActive, hold.Status)
	assert.Equal(t, "evt-1", hold.EventID)
	assert.Equal(t, testutil.Epoch.Add(10*time.Minute), hold.ExpiresAt)

	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 7, got.AvailableQuantity)
	assert.Equal(t, 3, got.HeldQuantity)

	stored, err := f.manager.GetHold(context.Background(), hold.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Quantity)
}

func TestCreateHoldValidation(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 10)
	ctx := context.Background()

	_, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 0})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 7})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.manager.CreateHold(ctx, CreateRequest{TierID: tier.ID, Quantity: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: "nope", Quantity: 1})
	assert.ErrorIs(t, err, models.ErrTierNotFound)
}

func TestCreateHoldClampsTTL(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 10)

	hold, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 1, TTL: 5 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(30*time.Minute), hold.ExpiresAt)
}

func TestCreateHoldNoPartialHolds(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 2)

	_, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 3})
	assert.ErrorIs(t, err, models.ErrInsufficientInventory)

	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 2, got.AvailableQuantity)

	count, err := f.db.Bun.NewSelect().Model((*models.CartHold)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateHoldInactiveTier(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 2)
	require.NoError(t, f.ledger.DeactivateTier(context.Background(), tier.ID))

	_, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 1})
	assert.ErrorIs(t, err, models.ErrTierInactive)
}

func TestCreateHoldRejectsInvalidPromo(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 2)

	_, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 1, PromoCode: "GHOST"})
	assert.ErrorIs(t, err, models.ErrPromoInvalid)

	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 2, got.AvailableQuantity)
}

func TestCreateHoldKeepsNormalizedPromo(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 2)
	testutil.SeedPromo(t, f.db, &models.PromoCode{Code: "VIP10", DiscountValue: decimal.NewFromInt(10), IsActive: true})

	hold, err := f.manager.CreateHold(context.Background(), CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 1, PromoCode: "vip10"})
	require.NoError(t, err)
	assert.Equal(t, "VIP10", hold.PromoCode)
}

// Two buyers race for the last ticket: one wins, the other sees sold out.
// Releasing the winner's hold makes the ticket available to a third buyer.
func TestLastTicketRace(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	holds := make([]*models.CartHold, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holds[i], results[i] = f.manager.CreateHold(ctx, CreateRequest{UserID: "buyer", TierID: tier.ID, Quantity: 1})
		}(i)
	}
	wg.Wait()

	var winner *models.CartHold
	soldOut := 0
	for i, err := range results {
		if err == nil {
			winner = holds[i]
			continue
		}
		require.ErrorIs(t, err, models.ErrInsufficientInventory)
		soldOut++
	}
	require.NotNil(t, winner)
	assert.Equal(t, 1, soldOut)

	require.NoError(t, f.manager.ReleaseHold(ctx, winner.ID))
	assert.Equal(t, 1, testutil.ReloadTier(t, f.db.Bun, tier.ID).AvailableQuantity)

	_, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "third", TierID: tier.ID, Quantity: 1})
	require.NoError(t, err)
}

func TestReleaseHoldIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 5)
	ctx := context.Background()

	hold, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.manager.ReleaseHold(ctx, hold.ID))
	}

	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 5, got.AvailableQuantity)
	assert.Equal(t, 0, got.HeldQuantity)

	stored, err := f.manager.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldReleased, stored.Status)
	assert.False(t, stored.ReleasedAt.IsZero())

	assert.ErrorIs(t, f.manager.ReleaseHold(ctx, "missing"), models.ErrHoldNotFound)
}

func TestConcurrentReleaseCreditsOnce(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 5)
	ctx := context.Background()

	hold, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 2})
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, f.manager.ReleaseHold(ctx, hold.ID))
			} else {
				_, err := f.manager.ExpireHold(ctx, hold.ID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 5, got.AvailableQuantity)
	assert.NoError(t, got.CheckInvariant())
}

func TestExpireHoldOnlyWhenDue(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 5)
	ctx := context.Background()

	hold, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "alice", TierID: tier.ID, Quantity: 1})
	require.NoError(t, err)

	claimed, err := f.manager.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "not due yet")

	f.clock.Advance(10 * time.Minute)
	claimed, err = f.manager.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "due exactly at expires_at")

	claimed, err = f.manager.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Releasing after expiry does not credit again.
	require.NoError(t, f.manager.ReleaseHold(ctx, hold.ID))
	got := testutil.ReloadTier(t, f.db.Bun, tier.ID)
	assert.Equal(t, 5, got.AvailableQuantity)

	stored, err := f.manager.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, stored.Status)
}

func TestListExpired(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 5)
	ctx := context.Background()

	first, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "a", TierID: tier.ID, Quantity: 1, TTL: time.Minute})
	require.NoError(t, err)
	_, err = f.manager.CreateHold(ctx, CreateRequest{UserID: "b", TierID: tier.ID, Quantity: 1, TTL: 20 * time.Minute})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	ids, err := f.manager.ListExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids)
}

func TestCreateHoldSweepsStaleHoldsOfTier(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 1)
	ctx := context.Background()

	stale, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "a", TierID: tier.ID, Quantity: 1, TTL: time.Minute})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	// No sweeper ran, yet the expired hold does not block the next buyer.
	_, err = f.manager.CreateHold(ctx, CreateRequest{UserID: "b", TierID: tier.ID, Quantity: 1})
	require.NoError(t, err)

	stored, err := f.manager.GetHold(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, stored.Status)
}

func TestSchedulerIsNotifiedButNotRequired(t *testing.T) {
	sched := new(MockScheduler)
	f := newFixture(t, WithScheduler(sched))
	tier := f.tier(t, 3)
	ctx := context.Background()

	sched.On("ScheduleHold", mock.Anything, mock.AnythingOfType("string"), testutil.Epoch.Add(10*time.Minute)).
		Return(errors.New("redis down")).Once()
	sched.On("CancelHold", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()

	hold, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "a", TierID: tier.ID, Quantity: 1})
	require.NoError(t, err, "a scheduling failure does not fail the hold")

	require.NoError(t, f.manager.ReleaseHold(ctx, hold.ID))
	sched.AssertExpectations(t)
}

func TestMarkConfirmedRequiresUnexpiredActiveHold(t *testing.T) {
	f := newFixture(t)
	tier := f.tier(t, 3)
	ctx := context.Background()

	hold, err := f.manager.CreateHold(ctx, CreateRequest{UserID: "a", TierID: tier.ID, Quantity: 1})
	require.NoError(t, err)

	_, err = f.manager.MarkConfirmed(ctx, hold.ID)
	assert.Error(t, err, "outside a transaction")

	f.clock.Advance(10 * time.Minute)
	err = f.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := f.manager.MarkConfirmed(ctx, hold.ID)
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
}
