// Package promo validates discount codes and records their use.
//
// Validate is read-only: abandoned carts never consume a code. The usage
// counters only move in Redeem, which the checkout runs inside the same
// transaction that confirms the order.
package promo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
)

type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonInactive         Reason = "inactive"
	ReasonNotYetValid      Reason = "not_yet_valid"
	ReasonExpired          Reason = "expired"
	ReasonWrongEvent       Reason = "wrong_event"
	ReasonExhausted        Reason = "exhausted"
	ReasonUserLimitReached Reason = "user_limit_reached"
)

// InvalidError carries the first check a code failed.
type InvalidError struct {
	Code   string
	Reason Reason
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("promo code %q invalid: %s", e.Code, e.Reason)
}

func (e *InvalidError) Unwrap() error { return models.ErrPromoInvalid }

// ReasonOf extracts the failure reason from err, if it is an InvalidError.
func ReasonOf(err error) (Reason, bool) {
	var inv *InvalidError
	if errors.As(err, &inv) {
		return inv.Reason, true
	}
	return "", false
}

type Result struct {
	Valid         bool                `json:"valid"`
	Code          string              `json:"code"`
	DiscountType  models.DiscountType `json:"discount_type"`
	DiscountValue decimal.Decimal     `json:"discount_value"`
	MaxDiscount   decimal.Decimal     `json:"max_discount"`
	Promo         *models.PromoCode   `json:"-"`
}

type Validator struct {
	db     *database.DB
	clock  clock.Clock
	logger *logger.Logger
}

func NewValidator(db *database.DB, c clock.Clock, log *logger.Logger) *Validator {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Validator{db: db, clock: c, logger: log}
}

// Normalize is the canonical stored form of a code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type CreateRequest struct {
	Code           string
	DiscountType   models.DiscountType
	DiscountValue  decimal.Decimal
	MaxDiscount    decimal.Decimal
	MaxUsesPerUser int
	MaxTotalUses   int
	ValidFrom      time.Time
	ValidUntil     time.Time
	EventID        string
}

func (v *Validator) Create(ctx context.Context, req CreateRequest) (*models.PromoCode, error) {
	code := Normalize(req.Code)
	switch {
	case code == "":
		return nil, fmt.Errorf("%w: code is required", models.ErrInvalidInput)
	case !req.DiscountType.Valid():
		return nil, fmt.Errorf("%w: discount_type must be percentage or flat_off", models.ErrInvalidInput)
	case !req.DiscountValue.IsPositive():
		return nil, fmt.Errorf("%w: discount_value must be positive", models.ErrInvalidInput)
	case req.DiscountType == models.DiscountPercentage && req.DiscountValue.GreaterThan(hundred):
		return nil, fmt.Errorf("%w: percentage above 100", models.ErrInvalidInput)
	case req.MaxUsesPerUser < 0 || req.MaxTotalUses < 0:
		return nil, fmt.Errorf("%w: usage caps must not be negative", models.ErrInvalidInput)
	case !req.ValidUntil.After(req.ValidFrom):
		return nil, fmt.Errorf("%w: valid_until must be after valid_from", models.ErrInvalidInput)
	}

	p := &models.PromoCode{
		ID:             uuid.NewString(),
		Code:           code,
		DiscountType:   req.DiscountType,
		DiscountValue:  req.DiscountValue.Round(2),
		MaxDiscount:    req.MaxDiscount.Round(2),
		MaxUsesPerUser: req.MaxUsesPerUser,
		MaxTotalUses:   req.MaxTotalUses,
		ValidFrom:      req.ValidFrom.UTC(),
		ValidUntil:     req.ValidUntil.UTC(),
		IsActive:       true,
		EventID:        req.EventID,
		CreatedAt:      v.clock.Now(),
	}
	if _, err := v.db.Conn(ctx).NewInsert().Model(p).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already exists", models.ErrInvalidInput, code)
		}
		return nil, fmt.Errorf("insert promo: %w", err)
	}

	v.logger.Info("PROMO", fmt.Sprintf("Created promo %s (%s %s)", p.Code, p.DiscountType, p.DiscountValue))
	return p, nil
}

func (v *Validator) get(ctx context.Context, code string) (*models.PromoCode, error) {
	p := new(models.PromoCode)
	err := v.db.Conn(ctx).NewSelect().Model(p).Where("code = ?", Normalize(code)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &InvalidError{Code: code, Reason: ReasonNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("get promo %s: %w", code, err)
	}
	return p, nil
}

// Validate runs the checks in order and returns the first failure as an
// *InvalidError. It never writes.
func (v *Validator) Validate(ctx context.Context, code, eventID, userID string) (*Result, error) {
	p, err := v.get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := v.check(ctx, p, eventID, userID); err != nil {
		return nil, err
	}
	return &Result{
		Valid:         true,
		Code:          p.Code,
		DiscountType:  p.DiscountType,
		DiscountValue: p.DiscountValue,
		MaxDiscount:   p.MaxDiscount,
		Promo:         p,
	}, nil
}

func (v *Validator) check(ctx context.Context, p *models.PromoCode, eventID, userID string) error {
	now := v.clock.Now()
	fail := func(r Reason) error { return &InvalidError{Code: p.Code, Reason: r} }

	if !p.IsActive {
		return fail(ReasonInactive)
	}
	if now.Before(p.ValidFrom) {
		return fail(ReasonNotYetValid)
	}
	if now.After(p.ValidUntil) {
		return fail(ReasonExpired)
	}
	if p.EventID != "" && p.EventID != eventID {
		return fail(ReasonWrongEvent)
	}
	if p.MaxTotalUses > 0 && p.UsedCount >= p.MaxTotalUses {
		return fail(ReasonExhausted)
	}
	if p.MaxUsesPerUser > 0 {
		used, err := v.userUses(ctx, p.Code, userID)
		if err != nil {
			return err
		}
		if used >= p.MaxUsesPerUser {
			return fail(ReasonUserLimitReached)
		}
	}
	return nil
}

// userUses counts the user's confirmed orders that used code. Refunds are out
// of scope, so a slot once used stays used.
func (v *Validator) userUses(ctx context.Context, code, userID string) (int, error) {
	n, err := v.db.Conn(ctx).NewSelect().Model((*models.Order)(nil)).
		Where("user_id = ?", userID).
		Where("promo_code = ?", code).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count promo uses: %w", err)
	}
	return n, nil
}

// Redeem consumes one use of code for userID. It must run inside the
// transaction that writes the order. The conditional increment locks the
// promo row, so concurrent redemptions of the same code are serialized and
// the per-user count taken afterwards sees every committed order.
func (v *Validator) Redeem(ctx context.Context, code, eventID, userID string) (*models.PromoCode, error) {
	if !database.InTx(ctx) {
		return nil, errors.New("promo redeem requires a transaction")
	}

	normalized := Normalize(code)
	now := v.clock.Now()

	res, err := v.db.Conn(ctx).NewUpdate().Model((*models.PromoCode)(nil)).
		Set("used_count = used_count + 1").
		Where("code = ?", normalized).
		Where("is_active = ?", true).
		Where("valid_from <= ?", now).
		Where("valid_until >= ?", now).
		Where("(max_total_uses = 0 OR used_count < max_total_uses)").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("redeem promo %s: %w", normalized, err)
	}

	p, err := v.get(ctx, normalized)
	if err != nil {
		return nil, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Find out which rule blocked the increment.
		if err := v.check(ctx, p, eventID, userID); err != nil {
			return nil, err
		}
		return nil, &InvalidError{Code: p.Code, Reason: ReasonExhausted}
	}

	if p.EventID != "" && p.EventID != eventID {
		return nil, &InvalidError{Code: p.Code, Reason: ReasonWrongEvent}
	}
	if p.MaxUsesPerUser > 0 {
		used, err := v.userUses(ctx, p.Code, userID)
		if err != nil {
			return nil, err
		}
		if used >= p.MaxUsesPerUser {
			return nil, &InvalidError{Code: p.Code, Reason: ReasonUserLimitReached}
		}
	}

	v.logger.Info("PROMO", fmt.Sprintf("Redeemed %s for user %s (%d used)", p.Code, userID, p.UsedCount))
	return p, nil
}
