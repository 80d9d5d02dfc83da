package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type record struct {
	state     State
	expiresAt time.Time
}

// Memory is an in-process ledger. State is lost on restart and is not shared
// between facilitator instances.
type Memory struct {
	mu      sync.Mutex
	records map[string]record
	clock   func() time.Time
	logger  *slog.Logger
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// WithMemoryLogger sets the logger used by the janitor.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = logger
	}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]record),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live record for key. Expired records read as absent.
// Callers hold m.mu.
func (m *Memory) lookup(key string) (record, bool) {
	r, ok := m.records[key]
	if !ok {
		return record{}, false
	}
	if !m.clock().Before(r.expiresAt) {
		delete(m.records, key)
		return record{}, false
	}
	return r, true
}

func (m *Memory) Reserve(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("reserve", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if _, ok := m.lookup(k); ok {
		return false, nil
	}
	m.records[k] = record{state: Reserved, expiresAt: expiresAt}
	return true, nil
}

func (m *Memory) BeginSettlement(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("begin settlement", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if r, ok := m.lookup(k); ok && r.state != Reserved {
		return false, nil
	}
	m.records[k] = record{state: Settling, expiresAt: expiresAt}
	return true, nil
}

func (m *Memory) Consume(ctx context.Context, key Key, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return unavailable("consume", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key.String()] = record{state: Consumed, expiresAt: expiresAt}
	return nil
}

func (m *Memory) ReleaseReservation(ctx context.Context, key Key) error {
	return m.release(ctx, "release reservation", key, Reserved)
}

func (m *Memory) ReleaseSettlement(ctx context.Context, key Key) error {
	return m.release(ctx, "release settlement", key, Settling)
}

// release deletes key only while it is in state from.
func (m *Memory) release(ctx context.Context, op string, key Key, from State) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if r, ok := m.lookup(k); ok && r.state == from {
		delete(m.records, k)
	}
	return nil
}

func (m *Memory) State(ctx context.Context, key Key) (State, error) {
	if err := ctx.Err(); err != nil {
		return Absent, unavailable("state", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(key.String())
	if !ok {
		return Absent, nil
	}
	return r.state, nil
}

func (m *Memory) IsConsumed(ctx context.Context, key Key) (bool, error) {
	s, err := m.State(ctx, key)
	return s == Consumed, err
}

// Len returns the number of stored records, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Prune deletes records that expired at or before now and returns how many
// were removed.
func (m *Memory) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, r := range m.records {
		if !now.Before(r.expiresAt) {
			delete(m.records, k)
			n++
		}
	}
	return n
}

// RunJanitor prunes expired records every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) error {
	return runJanitor(ctx, interval, m.logger, func(context.Context) (int64, error) {
		return int64(m.Prune(m.clock())), nil
	})
}

var _ Ledger = (*Memory)(nil)
