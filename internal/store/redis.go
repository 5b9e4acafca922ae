package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Reads check Redis first then fall back to the primary.
//
// Cache keys carry a generation number. Writes go to the primary store and
// then bump the generation, so a fill computed from rows read before the
// write lands under a key no reader will ask for again. Position lists use
// one generation per owner; instruments share a single quote generation.
//
// Accounts and single positions are never cached: the ledger engine reads
// them to compute a trade and must see committed state.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, bump generation) ---

func (s *CachedStore) CommitTrade(ctx context.Context, c *TradeCommit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	s.bump(ctx, positionsGenKey(c.OwnerID))
	return nil
}

func (s *CachedStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.UpsertInstrument(ctx, inst); err != nil {
		return err
	}
	s.bump(ctx, instrumentsGenKey)
	return nil
}

func (s *CachedStore) UpdateQuote(ctx context.Context, symbol string, price, previousClose decimal.Decimal, at time.Time) (*model.Instrument, error) {
	inst, err := s.primary.UpdateQuote(ctx, symbol, price, previousClose, at)
	if err != nil {
		return nil, err
	}
	s.bump(ctx, instrumentsGenKey)
	return inst, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	gen, cacheable := s.generation(ctx, instrumentsGenKey)
	key := fmt.Sprintf("instrument:%d:%s", gen, symbol)
	var inst model.Instrument
	if cacheable && s.load(ctx, key, &inst) {
		return &inst, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.save(ctx, key, got)
	}
	return got, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	gen, cacheable := s.generation(ctx, instrumentsGenKey)
	key := fmt.Sprintf("instruments:%d", gen)
	var insts []model.Instrument
	if cacheable && s.load(ctx, key, &insts) {
		return insts, nil
	}

	insts, err := s.primary.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.save(ctx, key, insts)
	}
	return insts, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	gen, cacheable := s.generation(ctx, positionsGenKey(ownerID))
	key := fmt.Sprintf("positions:%s:%d", ownerID, gen)
	var positions []model.Position
	if cacheable && s.load(ctx, key, &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.save(ctx, key, positions)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, ownerID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, ownerID)
}

func (s *CachedStore) GetPosition(ctx context.Context, ownerID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, ownerID, symbol)
}

func (s *CachedStore) ListTransactions(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, ownerID)
}

func (s *CachedStore) ListTransactionsBySymbol(ctx context.Context, symbol string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsBySymbol(ctx, symbol)
}

func (s *CachedStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, symbol, limit)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// generation returns the current value of a generation counter. A missing
// counter is generation zero. When Redis cannot answer, the second result is
// false and the caller bypasses the cache.
func (s *CachedStore) generation(ctx context.Context, genKey string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, genKey).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		slog.Warn("cache generation read failed", "key", genKey, "err", err)
		return 0, false
	}
}

// bump retires every key cached under the current generation. Generation
// counters carry no TTL so they never fall back to a value whose keys may
// still be live.
func (s *CachedStore) bump(ctx context.Context, genKey string) {
	if err := s.rdb.Incr(ctx, genKey).Err(); err != nil {
		slog.Warn("cache generation bump failed", "key", genKey, "err", err)
	}
}

const instrumentsGenKey = "gen:instruments"

func positionsGenKey(owner string) string { return fmt.Sprintf("gen:positions:%s", owner) }
