// Package sweeper reclaims what nobody came back for: expired holds, lapsed
// transfer offers and tickets of events that are over. It is safe to run in
// every replica; each row is claimed by a conditional update.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/logger"
)

type Holds interface {
	ListExpired(ctx context.Context, limit int) ([]string, error)
	ExpireHold(ctx context.Context, holdID string) (bool, error)
}

type Tickets interface {
	ListExpiredTransfers(ctx context.Context, limit int) ([]string, error)
	ExpireTransfer(ctx context.Context, transferID string) (bool, error)
	ExpireEndedEventTickets(ctx context.Context) (int, error)
}

// Lease lets one replica skip a pass another replica is already doing.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Result struct {
	HoldsExpired     int `json:"holds_expired"`
	TransfersExpired int `json:"transfers_expired"`
	TicketsExpired   int `json:"tickets_expired"`
	Failures         int `json:"failures"`
}

func (r Result) Empty() bool {
	return r.HoldsExpired == 0 && r.TransfersExpired == 0 && r.TicketsExpired == 0 && r.Failures == 0
}

type Sweeper struct {
	holds    Holds
	tickets  Tickets
	lease    Lease
	logger   *logger.Logger
	interval time.Duration
	batch    int
}

type Option func(*Sweeper)

func WithLease(l Lease) Option {
	return func(s *Sweeper) { s.lease = l }
}

func New(holds Holds, tickets Tickets, cfg config.SweeperConfig, log *logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		holds:    holds,
		tickets:  tickets,
		logger:   log,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.batch <= 0 {
		s.batch = 200
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce runs one full pass. A failing row is logged and counted; it never
// stops the rest of the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	var res Result

	n, failed := s.drain(ctx, "hold", s.holds.ListExpired, s.holds.ExpireHold)
	res.HoldsExpired, res.Failures = n, res.Failures+failed

	if s.tickets != nil {
		n, failed = s.drain(ctx, "transfer", s.tickets.ListExpiredTransfers, s.tickets.ExpireTransfer)
		res.TransfersExpired, res.Failures = n, res.Failures+failed

		expired, err := s.tickets.ExpireEndedEventTickets(ctx)
		if err != nil {
			s.logger.Error("SWEEPER", fmt.Sprintf("Failed to expire tickets of ended events: %v", err))
			res.Failures++
		}
		res.TicketsExpired = expired
	}

	if !res.Empty() {
		s.logger.LogProcess("SWEEP", fmt.Sprintf("holds=%d transfers=%d tickets=%d failures=%d",
			res.HoldsExpired, res.TransfersExpired, res.TicketsExpired, res.Failures))
	}
	return res
}

// drain lists due rows batch by batch and expires each. It stops when a
// batch is short or makes no progress.
func (s *Sweeper) drain(ctx context.Context, kind string,
	list func(context.Context, int) ([]string, error),
	expire func(context.Context, string) (bool, error)) (claimed, failed int) {
	for ctx.Err() == nil {
		ids, err := list(ctx, s.batch)
		if err != nil {
			s.logger.Error("SWEEPER", fmt.Sprintf("Failed to list expired %ss: %v", kind, err))
			return claimed, failed + 1
		}
		progress := 0
		for _, id := range ids {
			ok, err := expire(ctx, id)
			if err != nil {
				s.logger.Error("SWEEPER", fmt.Sprintf("Failed to expire %s %s: %v", kind, id, err))
				failed++
				continue
			}
			if ok {
				claimed++
				progress++
			}
		}
		if len(ids) < s.batch || progress == 0 {
			break
		}
	}
	return claimed, failed
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("SWEEPER", fmt.Sprintf("Sweeper started, interval %s", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SWEEPER", "Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) (Result, bool) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			s.logger.Warn("SWEEPER", fmt.Sprintf("Lease unavailable, sweeping anyway: %v", err))
		} else if !ok {
			s.logger.Debug("SWEEPER", "Another replica holds the sweep lease")
			return Result{}, false
		} else {
			defer func() {
				if err := s.lease.Release(context.Background()); err != nil {
					s.logger.Debug("SWEEPER", fmt.Sprintf("Failed to release lease: %v", err))
				}
			}()
		}
	}
	return s.SweepOnce(ctx), true
}
