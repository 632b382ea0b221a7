package promo

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-inventory/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceWithoutPromo(t *testing.T) {
	p, err := Price(nil, d("19.99"), 3)
	require.NoError(t, err)
	assert.True(t, p.Subtotal.Equal(d("59.97")))
	assert.True(t, p.DiscountAmount.IsZero())
	assert.True(t, p.Total.Equal(d("59.97")))
}

func TestPricePercentage(t *testing.T) {
	promo := &models.PromoCode{DiscountType: models.DiscountPercentage, DiscountValue: d("15")}
	p, err := Price(promo, d("40.00"), 2)
	require.NoError(t, err)
	assert.True(t, p.DiscountAmount.Equal(d("12.00")), p.DiscountAmount.String())
	assert.True(t, p.Total.Equal(d("68.00")))
}

func TestPricePercentageCapped(t *testing.T) {
	promo := &models.PromoCode{DiscountType: models.DiscountPercentage, DiscountValue: d("50"), MaxDiscount: d("25")}
	p, err := Price(promo, d("100.00"), 1)
	require.NoError(t, err)
	assert.True(t, p.DiscountAmount.Equal(d("25")))
	assert.True(t, p.Total.Equal(d("75")))
}

func TestPriceFlatOffNeverExceedsSubtotal(t *testing.T) {
	promo := &models.PromoCode{DiscountType: models.DiscountFlatOff, DiscountValue: d("30")}
	p, err := Price(promo, d("12.50"), 2)
	require.NoError(t, err)
	assert.True(t, p.DiscountAmount.Equal(d("25.00")))
	assert.True(t, p.Total.IsZero())
}

func TestPriceUnknownType(t *testing.T) {
	_, err := Price(&models.PromoCode{DiscountType: "bogo"}, d("10"), 1)
	assert.Error(t, err)
}
