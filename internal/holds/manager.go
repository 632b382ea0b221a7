// Package holds manages time-boxed cart reservations. A hold moves inventory
// from available to held in the same transaction that records it; it ends as
// released, expired or confirmed, and only the call that wins the conditional
// status update credits inventory back.
package holds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
	"ms-ticket-inventory/internal/promo"
)

// Inventory is the part of the ledger the hold manager uses.
type Inventory interface {
	GetTier(ctx context.Context, tierID string) (*models.TicketTier, error)
	Reserve(ctx context.Context, tierID string, qty int) error
	Release(ctx context.Context, tierID string, qty int) error
}

type PromoValidator interface {
	Validate(ctx context.Context, code, eventID, userID string) (*promo.Result, error)
}

// ExpiryScheduler gets told about hold deadlines so expiry can happen as soon
// as they pass. It is an accelerator only; the sweeper remains authoritative.
type ExpiryScheduler interface {
	ScheduleHold(ctx context.Context, holdID string, at time.Time) error
	CancelHold(ctx context.Context, holdID string) error
}

type Manager struct {
	db        *database.DB
	inventory Inventory
	promos    PromoValidator
	scheduler ExpiryScheduler
	events    notify.Emitter
	clock     clock.Clock
	logger    *logger.Logger
	cfg       config.HoldConfig
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithScheduler(s ExpiryScheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

func WithNotifier(e notify.Emitter) Option {
	return func(m *Manager) { m.events = e }
}

func NewManager(db *database.DB, inv Inventory, promos PromoValidator, cfg config.HoldConfig, log *logger.Logger, opts ...Option) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 10
	}
	m := &Manager{
		db:        db,
		inventory: inv,
		promos:    promos,
		events:    notify.Discard{},
		clock:     clock.NewSystem(),
		logger:    log,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateRequest struct {
	UserID    string
	TierID    string
	Quantity  int
	TTL       time.Duration
	PromoCode string
}

// CreateHold reserves req.Quantity tickets for the user. Either the whole
// quantity is held or nothing is.
func (m *Manager) CreateHold(ctx context.Context, req CreateRequest) (*models.CartHold, error) {
	if req.UserID == "" || req.TierID == "" {
		return nil, fmt.Errorf("%w: user_id and tier_id are required", models.ErrInvalidInput)
	}
	if req.Quantity < 1 || req.Quantity > m.cfg.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", models.ErrInvalidInput, m.cfg.MaxQuantity)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", models.ErrInvalidInput)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	// Reclaim stale holds on this tier first so abandoned carts do not make
	// the tier look sold out between sweeper runs.
	m.sweepTier(ctx, req.TierID)

	tier, err := m.inventory.GetTier(ctx, req.TierID)
	if err != nil {
		return nil, err
	}
	if !tier.IsActive {
		return nil, models.ErrTierInactive
	}

	code := ""
	if req.PromoCode != "" {
		res, err := m.promos.Validate(ctx, req.PromoCode, tier.EventID, req.UserID)
		if err != nil {
			return nil, err
		}
		code = res.Code
	}

	now := m.clock.Now()
	hold := &models.CartHold{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		TierID:    tier.ID,
		EventID:   tier.EventID,
		Quantity:  req.Quantity,
		PromoCode: code,
		Status:    models.HoldActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err = m.db.WithTx(ctx, func(ctx context.Context) error {
		if err := m.inventory.Reserve(ctx, tier.ID, req.Quantity); err != nil {
			return err
		}
		if _, err := m.db.Conn(ctx).NewInsert().Model(hold).Exec(ctx); err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientInventory) {
			m.logger.LogHold("SOLD_OUT", tier.ID, fmt.Sprintf("user %s asked for %d", req.UserID, req.Quantity))
		}
		return nil, err
	}

	m.logger.LogHold("CREATE", hold.ID, fmt.Sprintf("user %s holds %d of tier %s until %s",
		hold.UserID, hold.Quantity, hold.TierID, hold.ExpiresAt.Format(time.RFC3339)))

	if m.scheduler != nil {
		if err := m.scheduler.ScheduleHold(ctx, hold.ID, hold.ExpiresAt); err != nil {
			m.logger.Warn("HOLDS", fmt.Sprintf("Failed to schedule expiry for hold %s: %v", hold.ID, err))
		}
	}
	return hold, nil
}

func (m *Manager) GetHold(ctx context.Context, holdID string) (*models.CartHold, error) {
	hold := new(models.CartHold)
	err := m.db.Conn(ctx).NewSelect().Model(hold).Where("id = ?", holdID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hold %s: %w", holdID, err)
	}
	return hold, nil
}

// ReleaseHold gives the hold's tickets back. Releasing a hold that already
// ended is a successful no-op, so a double release never double-credits.
func (m *Manager) ReleaseHold(ctx context.Context, holdID string) error {
	released := false
	err := m.db.WithTx(ctx, func(ctx context.Context) error {
		hold, err := m.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if !hold.Status.CanTransitionTo(models.HoldReleased) {
			return nil
		}

		claimed, err := m.transition(ctx, holdID, models.HoldReleased, false)
		if err != nil || !claimed {
			return err
		}
		released = true
		return m.inventory.Release(ctx, hold.TierID, hold.Quantity)
	})
	if err != nil {
		return err
	}

	if released {
		m.logger.LogHold("RELEASE", holdID, "inventory returned")
		m.cancelSchedule(ctx, holdID)
	} else {
		m.logger.Debug("HOLDS", fmt.Sprintf("Release of %s was a no-op", holdID))
	}
	return nil
}

// ExpireHold ends an active hold whose deadline has passed and returns its
// tickets. It reports whether this call did the work; a hold that is not yet
// due or already ended returns false.
func (m *Manager) ExpireHold(ctx context.Context, holdID string) (bool, error) {
	var hold *models.CartHold
	claimed := false
	err := m.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = m.transition(ctx, holdID, models.HoldExpired, true)
		if err != nil || !claimed {
			return err
		}
		hold, err = m.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		return m.inventory.Release(ctx, hold.TierID, hold.Quantity)
	})
	if err != nil || !claimed {
		return false, err
	}

	m.logger.LogHold("EXPIRE", holdID, fmt.Sprintf("%d tickets of tier %s returned", hold.Quantity, hold.TierID))
	m.events.Emit(notify.NewEvent(notify.HoldExpired, hold.UserID, map[string]interface{}{
		"hold_id":  hold.ID,
		"tier_id":  hold.TierID,
		"event_id": hold.EventID,
		"quantity": hold.Quantity,
	}))
	return true, nil
}

// MarkConfirmed moves an unexpired active hold to confirmed. Inventory is not
// touched here; the checkout converts held to sold in the same transaction.
func (m *Manager) MarkConfirmed(ctx context.Context, holdID string) (bool, error) {
	if !database.InTx(ctx) {
		return false, errors.New("confirming a hold requires a transaction")
	}
	now := m.clock.Now()
	res, err := m.db.Conn(ctx).NewUpdate().Model((*models.CartHold)(nil)).
		Set("status = ?", models.HoldConfirmed).
		Set("confirmed_at = ?", now).
		Where("id = ?", holdID).
		Where("status = ?", models.HoldActive).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm hold %s: %w", holdID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// transition performs the conditional active -> to update. When dueOnly is
// set the hold must also have reached its deadline.
func (m *Manager) transition(ctx context.Context, holdID string, to models.HoldStatus, dueOnly bool) (bool, error) {
	if !models.HoldActive.CanTransitionTo(to) {
		return false, fmt.Errorf("hold transition active -> %s not allowed", to)
	}
	now := m.clock.Now()
	q := m.db.Conn(ctx).NewUpdate().Model((*models.CartHold)(nil)).
		Set("status = ?", to).
		Set("released_at = ?", now).
		Where("id = ?", holdID).
		Where("status = ?", models.HoldActive)
	if dueOnly {
		q = q.Where("expires_at <= ?", now)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("%s hold %s: %w", to, holdID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListExpired returns ids of active holds whose deadline has passed, oldest first.
func (m *Manager) ListExpired(ctx context.Context, limit int) ([]string, error) {
	return m.listExpired(ctx, "", limit)
}

func (m *Manager) listExpired(ctx context.Context, tierID string, limit int) ([]string, error) {
	var ids []string
	q := m.db.Conn(ctx).NewSelect().Model((*models.CartHold)(nil)).
		Column("id").
		Where("status = ?", models.HoldActive).
		Where("expires_at <= ?", m.clock.Now()).
		Order("expires_at ASC").
		Limit(limit)
	if tierID != "" {
		q = q.Where("tier_id = ?", tierID)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	return ids, nil
}

func (m *Manager) sweepTier(ctx context.Context, tierID string) {
	ids, err := m.listExpired(ctx, tierID, 50)
	if err != nil {
		m.logger.Warn("HOLDS", fmt.Sprintf("Opportunistic sweep of tier %s failed: %v", tierID, err))
		return
	}
	for _, id := range ids {
		if _, err := m.ExpireHold(ctx, id); err != nil {
			m.logger.Warn("HOLDS", fmt.Sprintf("Opportunistic expiry of hold %s failed: %v", id, err))
		}
	}
}

func (m *Manager) cancelSchedule(ctx context.Context, holdID string) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.CancelHold(ctx, holdID); err != nil {
		m.logger.Debug("HOLDS", fmt.Sprintf("Failed to cancel expiry key for hold %s: %v", holdID, err))
	}
}

// Forget drops the scheduled expiry of a hold that ended some other way.
func (m *Manager) Forget(ctx context.Context, holdID string) {
	m.cancelSchedule(ctx, holdID)
}
