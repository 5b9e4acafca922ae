package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

type positionKey struct {
	owner  string
	symbol string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	positions   map[positionKey]*model.Position
	ledger      []model.Transaction
	instruments map[string]*model.Instrument
	prices      map[string][]model.PricePoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		positions:   make(map[positionKey]*model.Position),
		instruments: make(map[string]*model.Instrument),
		prices:      make(map[string][]model.PricePoint),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.OwnerID]; ok {
		return fmt.Errorf("account %s: %w", a.OwnerID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.OwnerID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, ownerID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", ownerID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, ownerID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{ownerID, symbol}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", ownerID, symbol, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.owner == ownerID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// CommitTrade checks the account version and applies all three writes under
// one lock, so readers never observe a partial trade.
func (s *MemoryStore) CommitTrade(_ context.Context, c *TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[c.OwnerID]
	if !ok {
		return fmt.Errorf("account %s: %w", c.OwnerID, ErrNotFound)
	}
	if a.Version != c.ExpectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w",
			c.OwnerID, a.Version, c.ExpectedVersion, ErrConflict)
	}

	key := positionKey{c.OwnerID, c.Position.Symbol}
	switch c.PositionOp {
	case PositionUpsert:
		p := c.Position
		s.positions[key] = &p
	case PositionDelete:
		delete(s.positions, key)
	default:
		return fmt.Errorf("commit for %s: unknown position op %d", c.OwnerID, c.PositionOp)
	}

	a.CashBalance = c.CashBalance
	a.Version++
	s.ledger = append(s.ledger, c.Transaction)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, ownerID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.OwnerID == ownerID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsBySymbol(_ context.Context, symbol string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.Symbol == symbol {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *inst
	s.instruments[inst.Symbol] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	insts := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		insts = append(insts, *inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol < insts[j].Symbol })
	return insts, nil
}

func (s *MemoryStore) UpdateQuote(_ context.Context, symbol string, price, previousClose decimal.Decimal, at time.Time) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	inst.CurrentPrice = price
	if !previousClose.IsZero() {
		inst.PreviousClose = previousClose
	}
	inst.UpdatedAt = at
	s.prices[symbol] = append(s.prices[symbol], model.PricePoint{Symbol: symbol, Price: price, At: at})

	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.prices[symbol]
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	result := make([]model.PricePoint, len(points))
	copy(result, points)
	return result, nil
}
