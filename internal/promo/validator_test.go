package promo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/testutil"
)

func newValidator(t *testing.T) (*Validator, *database.DB, *clock.Manual) {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testutil.Epoch)
	return NewValidator(db, clk, logger.NewNop()), db, clk
}

func insertOrder(t *testing.T, db *database.DB, userID, code string) {
	t.Helper()
	o := &models.Order{
		ID:         uuid.NewString(),
		HoldID:     uuid.NewString(),
		UserID:     userID,
		EventID:    "evt-1",
		TierID:     "tier-1",
		Quantity:   1,
		UnitPrice:  d("10"),
		Subtotal:   d("10"),
		Total:      d("10"),
		PromoCode:  code,
		PaymentRef: uuid.NewString(),
		CreatedAt:  testutil.Epoch,
	}
	_, err := db.Bun.NewInsert().Model(o).Exec(context.Background())
	require.NoError(t, err)
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPromoInvalid)
	got, ok := ReasonOf(err)
	require.True(t, ok, "expected an InvalidError, got %v", err)
	assert.Equal(t, want, got)
}

func TestValidateHappyPath(t *testing.T) {
	v, db, _ := newValidator(t)
	testutil.SeedPromo(t, db, &models.PromoCode{Code: "SUMMER20", DiscountValue: d("20"), IsActive: true})

	res, err := v.Validate(context.Background(), " summer20 ", "evt-1", "user-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, models.DiscountPercentage, res.DiscountType)
	assert.True(t, res.DiscountValue.Equal(d("20")))
}

func TestValidateReasonsInOrder(t *testing.T) {
	v, db, clk := newValidator(t)
	ctx := context.Background()

	_, err := v.Validate(ctx, "NOPE", "evt-1", "u")
	assertReason(t, err, ReasonNotFound)

	// Inactive beats every later rule, even an expired window.
	testutil.SeedPromo(t, db, &models.PromoCode{Code: "OFF", DiscountValue: d("5"), IsActive: false,
		ValidUntil: testutil.Epoch.Add(-time.Hour), ValidFrom: testutil.Epoch.Add(-2 * time.Hour)})
	_, err = v.Validate(ctx, "OFF", "evt-1", "u")
	assertReason(t, err, ReasonInactive)

	testutil.SeedPromo(t, db, &models.PromoCode{Code: "LATER", DiscountValue: d("5"), IsActive: true,
		ValidFrom: testutil.Epoch.Add(time.Hour), ValidUntil: testutil.Epoch.Add(48 * time.Hour)})
	_, err = v.Validate(ctx, "LATER", "evt-1", "u")
	assertReason(t, err, ReasonNotYetValid)

	clk.Advance(2 * time.Hour)
	_, err = v.Validate(ctx, "LATER", "evt-1", "u")
	require.NoError(t, err)

	clk.Advance(72 * time.Hour)
	_, err = v.Validate(ctx, "LATER", "evt-1", "u")
	assertReason(t, err, ReasonExpired)
	clk.Set(testutil.Epoch)

	testutil.SeedPromo(t, db, &models.PromoCode{Code: "EVT2", DiscountValue: d("5"), IsActive: true, EventID: "evt-2"})
	_, err = v.Validate(ctx, "EVT2", "evt-1", "u")
	assertReason(t, err, ReasonWrongEvent)

	testutil.SeedPromo(t, db, &models.PromoCode{Code: "GONE", DiscountValue: d("5"), IsActive: true, MaxTotalUses: 2, UsedCount: 2})
	_, err = v.Validate(ctx, "GONE", "evt-1", "u")
	assertReason(t, err, ReasonExhausted)

	testutil.SeedPromo(t, db, &models.PromoCode{Code: "ONCE", DiscountValue: d("5"), IsActive: true, MaxUsesPerUser: 1})
	insertOrder(t, db, "u", "ONCE")
	_, err = v.Validate(ctx, "ONCE", "evt-1", "u")
	assertReason(t, err, ReasonUserLimitReached)
	_, err = v.Validate(ctx, "ONCE", "evt-1", "someone-else")
	require.NoError(t, err)
}

func TestValidateDoesNotMutate(t *testing.T) {
	v, db, _ := newValidator(t)
	p := testutil.SeedPromo(t, db, &models.PromoCode{Code: "READONLY", DiscountValue: d("5"), IsActive: true, MaxTotalUses: 1})

	for i := 0; i < 3; i++ {
		_, err := v.Validate(context.Background(), "READONLY", "evt-1", "u")
		require.NoError(t, err)
	}

	var got models.PromoCode
	require.NoError(t, db.Bun.NewSelect().Model(&got).Where("id = ?", p.ID).Scan(context.Background()))
	assert.Equal(t, 0, got.UsedCount)
}

func TestRedeemRequiresTransaction(t *testing.T) {
	v, db, _ := newValidator(t)
	testutil.SeedPromo(t, db, &models.PromoCode{Code: "TX", DiscountValue: d("5"), IsActive: true})
	_, err := v.Redeem(context.Background(), "TX", "evt-1", "u")
	assert.Error(t, err)
}

func redeemAndRecord(v *Validator, db *database.DB, code, userID string) error {
	return db.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := v.Redeem(ctx, code, "evt-1", userID); err != nil {
			return err
		}
		o := &models.Order{
			ID: uuid.NewString(), HoldID: uuid.NewString(), UserID: userID, EventID: "evt-1", TierID: "tier-1",
			Quantity: 1, UnitPrice: d("10"), Subtotal: d("10"), Total: d("10"),
			PromoCode: Normalize(code), PaymentRef: uuid.NewString(), CreatedAt: testutil.Epoch,
		}
		_, err := db.Conn(ctx).NewInsert().Model(o).Exec(ctx)
		return err
	})
}

func TestRedeemGlobalCapUnderConcurrency(t *testing.T) {
	v, db, _ := newValidator(t)
	testutil.SeedPromo(t, db, &models.PromoCode{Code: "THREE", DiscountValue: d("10"), IsActive: true, MaxTotalUses: 3})

	var ok, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := redeemAndRecord(v, db, "THREE", uuid.NewString())
			if err == nil {
				ok.Add(1)
				return
			}
			if r, _ := ReasonOf(err); r == ReasonExhausted {
				exhausted.Add(1)
				return
			}
			t.Errorf("unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(7), exhausted.Load())

	_, err := v.Validate(context.Background(), "THREE", "evt-1", "new-user")
	assertReason(t, err, ReasonExhausted)
}

func TestRedeemPerUserCapWithFreeGlobalSlots(t *testing.T) {
	v, db, _ := newValidator(t)
	p := testutil.SeedPromo(t, db, &models.PromoCode{Code: "ONEEACH", DiscountValue: d("10"), IsActive: true, MaxTotalUses: 4, MaxUsesPerUser: 1})

	require.NoError(t, redeemAndRecord(v, db, "ONEEACH", "alice"))

	err := redeemAndRecord(v, db, "ONEEACH", "alice")
	assertReason(t, err, ReasonUserLimitReached)

	var got models.PromoCode
	require.NoError(t, db.Bun.NewSelect().Model(&got).Where("id = ?", p.ID).Scan(context.Background()))
	assert.Equal(t, 1, got.UsedCount, "the rejected redemption was rolled back")

	require.NoError(t, redeemAndRecord(v, db, "ONEEACH", "bob"))
}

func TestCreatePromo(t *testing.T) {
	v, _, _ := newValidator(t)
	ctx := context.Background()

	p, err := v.Create(ctx, CreateRequest{
		Code: "newyear", DiscountType: models.DiscountFlatOff, DiscountValue: d("5"),
		ValidFrom: testutil.Epoch, ValidUntil: testutil.Epoch.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "NEWYEAR", p.Code)

	_, err = v.Create(ctx, CreateRequest{
		Code: "NEWYEAR", DiscountType: models.DiscountFlatOff, DiscountValue: d("5"),
		ValidFrom: testutil.Epoch, ValidUntil: testutil.Epoch.Add(24 * time.Hour),
	})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = v.Create(ctx, CreateRequest{Code: "BAD", DiscountType: models.DiscountPercentage, DiscountValue: d("150"),
		ValidFrom: testutil.Epoch, ValidUntil: testutil.Epoch.Add(time.Hour)})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
