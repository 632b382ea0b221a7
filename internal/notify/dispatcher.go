package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ms-ticket-inventory/internal/logger"
)

type DispatcherOptions struct {
	BufferSize     int
	Workers        int
	PublishTimeout time.Duration
}

// Dispatcher queues events in memory and publishes them from worker
// goroutines. When the queue is full the event is dropped and logged.
type Dispatcher struct {
	notifier Notifier
	logger   *logger.Logger
	timeout  time.Duration
	workers  int

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	start  sync.Once

	dropped atomic.Int64
}

func NewDispatcher(n Notifier, log *logger.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		notifier: n,
		logger:   log,
		timeout:  opts.PublishTimeout,
		workers:  opts.Workers,
		queue:    make(chan Event, opts.BufferSize),
	}
}

// Start launches the workers. Calling it more than once is harmless.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.run()
		}
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.notifier.Publish(ctx, ev); err != nil {
			d.logger.Error("NOTIFY", fmt.Sprintf("Failed to publish %s (%s): %v", ev.Type, ev.ID, err))
		} else {
			d.logger.Debug("NOTIFY", fmt.Sprintf("Published %s (%s)", ev.Type, ev.ID))
		}
		cancel()
	}
}

func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("NOTIFY", fmt.Sprintf("Queue full, dropping %s (%s)", ev.Type, ev.ID))
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, drains the queue and closes the notifier.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("notification drain interrupted: %w", ctx.Err())
	}
	return d.notifier.Close()
}
