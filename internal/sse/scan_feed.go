// Package sse fans scan results out to door dashboards.
package sse

import (
	"context"
	"sync"

	"ms-ticket-inventory/internal/models"
)

const clientBuffer = 32

// ScanFeed manages live subscribers to the scans of each event.
type ScanFeed struct {
	mu      sync.RWMutex
	clients map[string][]chan models.ScanRecord
}

func NewScanFeed() *ScanFeed {
	return &ScanFeed{clients: make(map[string][]chan models.ScanRecord)}
}

// Subscribe returns a channel of scans for eventID. The channel is closed
// once ctx is done.
func (f *ScanFeed) Subscribe(ctx context.Context, eventID string) <-chan models.ScanRecord {
	ch := make(chan models.ScanRecord, clientBuffer)

	f.mu.Lock()
	f.clients[eventID] = append(f.clients[eventID], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(eventID, ch)
	}()
	return ch
}

// PublishScan implements tickets.ScanPublisher. Slow clients miss records
// rather than slowing down the door.
func (f *ScanFeed) PublishScan(rec models.ScanRecord) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.clients[rec.EventID] {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (f *ScanFeed) remove(eventID string, ch chan models.ScanRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	clients := f.clients[eventID]
	for i, c := range clients {
		if c == ch {
			f.clients[eventID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(f.clients[eventID]) == 0 {
		delete(f.clients, eventID)
	}
}

// ClientCount returns the number of clients currently watching an event.
func (f *ScanFeed) ClientCount(eventID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients[eventID])
}
