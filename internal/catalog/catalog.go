// Package catalog keeps the local projection of the event catalog: the
// schedule this service needs to gate scans and transfers.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
)

type Store struct {
	db     *database.DB
	clock  clock.Clock
	logger *logger.Logger
}

func NewStore(db *database.DB, c clock.Clock, log *logger.Logger) *Store {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Store{db: db, clock: c, logger: log}
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	e := new(models.Event)
	err := s.db.Conn(ctx).NewSelect().Model(e).Where("id = ?", eventID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// UpsertEvent records the schedule published by the event catalog.
func (s *Store) UpsertEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" || e.StartAt.IsZero() || e.EndAt.IsZero() {
		return fmt.Errorf("%w: id, start_at and end_at are required", models.ErrInvalidInput)
	}
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("%w: end_at must be after start_at", models.ErrInvalidInput)
	}
	if e.Status == "" {
		e.Status = models.EventScheduled
	}
	now := s.clock.Now()
	e.StartAt = e.StartAt.UTC()
	e.EndAt = e.EndAt.UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.Conn(ctx).NewInsert().Model(e).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("status = EXCLUDED.status").
		Set("start_at = EXCLUDED.start_at").
		Set("end_at = EXCLUDED.end_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	s.logger.LogDatabase("UPSERT", "events", fmt.Sprintf("event %s starts %s", e.ID, e.StartAt.Format(time.RFC3339)))
	return nil
}
