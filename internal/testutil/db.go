package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
)

// Epoch is the instant every manual test clock starts at.
var Epoch = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

// NewTestDB opens a private in-memory SQLite database with the full schema.
// A single connection serializes transactions, which mirrors the row lock
// semantics the services rely on in PostgreSQL.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	if err := database.CreateSchema(context.Background(), bunDB); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return database.New(bunDB, logger.NewNop())
}

// SeedEvent inserts an event starting at start and lasting four hours.
func SeedEvent(t *testing.T, db *database.DB, start time.Time) *models.Event {
	t.Helper()
	e := &models.Event{
		ID:        uuid.NewString(),
		Name:      "Test Event",
		Status:    models.EventScheduled,
		StartAt:   start.UTC(),
		EndAt:     start.UTC().Add(4 * time.Hour),
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
	if _, err := db.Bun.NewInsert().Model(e).Exec(context.Background()); err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return e
}

// SeedTier inserts an active tier with all of total available.
func SeedTier(t *testing.T, db *database.DB, eventID string, total int, price string) *models.TicketTier {
	t.Helper()
	tier := &models.TicketTier{
		ID:                uuid.NewString(),
		EventID:           eventID,
		Name:              "General Admission",
		Price:             decimal.RequireFromString(price),
		TotalQuantity:     total,
		AvailableQuantity: total,
		IsActive:          true,
		CreatedAt:         Epoch,
		UpdatedAt:         Epoch,
	}
	if _, err := db.Bun.NewInsert().Model(tier).Exec(context.Background()); err != nil {
		t.Fatalf("failed to seed tier: %v", err)
	}
	return tier
}

// SeedPromo inserts promo with sensible defaults for zero fields.
func SeedPromo(t *testing.T, db *database.DB, promo *models.PromoCode) *models.PromoCode {
	t.Helper()
	if promo.ID == "" {
		promo.ID = uuid.NewString()
	}
	if promo.DiscountType == "" {
		promo.DiscountType = models.DiscountPercentage
	}
	if promo.ValidFrom.IsZero() {
		promo.ValidFrom = Epoch.Add(-24 * time.Hour)
	}
	if promo.ValidUntil.IsZero() {
		promo.ValidUntil = Epoch.Add(30 * 24 * time.Hour)
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = Epoch
	}
	if _, err := db.Bun.NewInsert().Model(promo).Exec(context.Background()); err != nil {
		t.Fatalf("failed to seed promo: %v", err)
	}
	return promo
}

// ReloadTier reads the current counts of a tier.
func ReloadTier(t *testing.T, db bun.IDB, id string) *models.TicketTier {
	t.Helper()
	tier := new(models.TicketTier)
	if err := db.NewSelect().Model(tier).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("failed to reload tier: %v", err)
	}
	return tier
}

// SeedOrder inserts a confirmed hold and its paid order for qty tickets of
// tier, so tickets can be issued against it without going through checkout.
func SeedOrder(t *testing.T, db *database.DB, tier *models.TicketTier, userID string, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()
	hold := &models.CartHold{
		ID:          uuid.NewString(),
		UserID:      userID,
		TierID:      tier.ID,
		EventID:     tier.EventID,
		Quantity:    qty,
		Status:      models.HoldConfirmed,
		CreatedAt:   Epoch,
		ExpiresAt:   Epoch.Add(10 * time.Minute),
		ConfirmedAt: Epoch,
	}
	if _, err := db.Bun.NewInsert().Model(hold).Exec(ctx); err != nil {
		t.Fatalf("failed to seed hold: %v", err)
	}
	total := tier.Price.Mul(decimal.NewFromInt(int64(qty)))
	order := &models.Order{
		ID:             uuid.NewString(),
		HoldID:         hold.ID,
		UserID:         userID,
		EventID:        tier.EventID,
		TierID:         tier.ID,
		Quantity:       qty,
		UnitPrice:      tier.Price,
		Subtotal:       total,
		DiscountAmount: decimal.Zero,
		Total:          total,
		PaymentRef:     "pay_" + hold.ID,
		CreatedAt:      Epoch,
	}
	if _, err := db.Bun.NewInsert().Model(order).Exec(ctx); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}
