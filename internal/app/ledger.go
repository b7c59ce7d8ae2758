package app

import (
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// DefaultTombstones bounds how many terminated call ids are remembered.
const DefaultTombstones = 4096

// Ledger is the Call Ledger: in-flight calls plus a bounded, expiring memory
// of terminated call ids so late messages cannot revive them.
type Ledger struct {
	mu     sync.RWMutex
	calls  map[domain.CallID]*domain.Call
	byUser map[domain.UserID]domain.CallID
	timers map[domain.CallID]*time.Timer

	tombstones *expirable.LRU[domain.CallID, domain.CallStatus]
}

// NewLedger remembers up to capacity terminated ids, each for at most
// tombstoneTTL. An id evicted from that memory can be reused.
func NewLedger(tombstoneTTL time.Duration, capacity int) *Ledger {
	if tombstoneTTL <= 0 {
		tombstoneTTL = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = DefaultTombstones
	}
	return &Ledger{
		calls:      make(map[domain.CallID]*domain.Call),
		byUser:     make(map[domain.UserID]domain.CallID),
		timers:     make(map[domain.CallID]*time.Timer),
		tombstones: expirable.NewLRU[domain.CallID, domain.CallStatus](capacity, nil, tombstoneTTL),
	}
}

// Add stores a new call and marks both sides busy.
func (l *Ledger) Add(c *domain.Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[c.ID] = c
	l.byUser[c.Initiator] = c.ID
	l.byUser[c.Target] = c.ID
	log.Debug().Str("module", "app.ledger").Str("call", string(c.ID)).Msg("call added")
}

// Get returns the live call. The pointer is only mutated by the orchestrator
// while it holds its own lock.
func (l *Ledger) Get(id domain.CallID) (*domain.Call, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.calls[id]
	return c, ok
}

// CallOf returns the live call uid is part of (ringing or in progress).
func (l *Ledger) CallOf(uid domain.UserID) (*domain.Call, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byUser[uid]
	if !ok {
		return nil, false
	}
	c, ok := l.calls[id]
	return c, ok
}

// Terminated reports the final status of a call removed from the ledger.
func (l *Ledger) Terminated(id domain.CallID) (domain.CallStatus, bool) {
	return l.tombstones.Get(id)
}

// Arm schedules fn after d for call id, replacing any earlier timer.
func (l *Ledger) Arm(id domain.CallID, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
	}
	l.timers[id] = time.AfterFunc(d, fn)
}

// Disarm stops the timer of call id, if any.
func (l *Ledger) Disarm(id domain.CallID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

// Remove takes a call in terminal status out of the live ledger.
func (l *Ledger) Remove(id domain.CallID) (*domain.Call, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[id]
	if !ok {
		return nil, false
	}
	delete(l.calls, id)
	for _, uid := range []domain.UserID{c.Initiator, c.Target} {
		if l.byUser[uid] == id {
			delete(l.byUser, uid)
		}
	}
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	l.tombstones.Add(id, c.Status)
	log.Debug().Str("module", "app.ledger").Str("call", string(id)).Str("status", string(c.Status)).Msg("call removed")
	return c, true
}

// Ringing lists calls still waiting for an answer that started before cutoff.
func (l *Ledger) Ringing(cutoff time.Time) []domain.CallID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.CallID
	for id, c := range l.calls {
		if c.Status == domain.CallInitiated && c.StartedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot copies every live call, for audits and metrics.
func (l *Ledger) Snapshot() []domain.Call {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Call, 0, len(l.calls))
	for _, c := range l.calls {
		out = append(out, *c)
	}
	return out
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.calls)
}
