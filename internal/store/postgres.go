package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (owner_id, cash_balance, opening_balance, version, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (owner_id) DO NOTHING`,
		a.OwnerID, a.CashBalance.String(), a.OpeningBalance.String(), a.Version, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.OwnerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.OwnerID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, ownerID string) (*model.Account, error) {
	var a model.Account
	var cash, opening string

	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, cash_balance::TEXT, opening_balance::TEXT, version, created_at
		 FROM accounts WHERE owner_id = $1`, ownerID).
		Scan(&a.OwnerID, &cash, &opening, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "account %s", ownerID)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	a.OpeningBalance, _ = decimal.NewFromString(opening)
	return &a, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, ownerID, symbol string) (*model.Position, error) {
	var p model.Position
	var avg string

	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, symbol, quantity, average_cost::TEXT, updated_at
		 FROM positions WHERE owner_id = $1 AND symbol = $2`, ownerID, symbol).
		Scan(&p.OwnerID, &p.Symbol, &p.Quantity, &avg, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "position %s/%s", ownerID, symbol)
	}

	p.AverageCost, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, symbol, quantity, average_cost::TEXT, updated_at
		 FROM positions WHERE owner_id = $1 ORDER BY symbol`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.OwnerID, &p.Symbol, &p.Quantity, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AverageCost, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CommitTrade applies the trade inside one database transaction. The
// version-guarded UPDATE takes the account row lock, so a concurrent writer
// blocks until this commit and then fails the version check.
func (s *PostgresStore) CommitTrade(ctx context.Context, c *TradeCommit) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin commit for %s: %w", c.OwnerID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET cash_balance = $2::NUMERIC, version = version + 1
		 WHERE owner_id = $1 AND version = $3`,
		c.OwnerID, c.CashBalance.String(), c.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", c.OwnerID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE owner_id = $1)`, c.OwnerID).
			Scan(&exists); err != nil {
			return fmt.Errorf("check account %s: %w", c.OwnerID, err)
		}
		if !exists {
			return fmt.Errorf("account %s: %w", c.OwnerID, ErrNotFound)
		}
		return fmt.Errorf("account %s expected version %d: %w", c.OwnerID, c.ExpectedVersion, ErrConflict)
	}

	p := c.Position
	switch c.PositionOp {
	case PositionUpsert:
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (owner_id, symbol, quantity, average_cost, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (owner_id, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_cost = EXCLUDED.average_cost,
			     updated_at = EXCLUDED.updated_at`,
			c.OwnerID, p.Symbol, p.Quantity, p.AverageCost.String(), p.UpdatedAt,
		)
	case PositionDelete:
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE owner_id = $1 AND symbol = $2`,
			c.OwnerID, p.Symbol,
		)
	default:
		err = fmt.Errorf("unknown position op %d", c.PositionOp)
	}
	if err != nil {
		return fmt.Errorf("write position %s/%s: %w", c.OwnerID, p.Symbol, err)
	}

	t := c.Transaction
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, owner_id, symbol, side, quantity, price, total_value, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.OwnerID, t.Symbol, t.Side.String(), t.Quantity,
		t.Price.String(), t.TotalValue.String(), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner_id, symbol, side, quantity,
		        price::TEXT, total_value::TEXT, timestamp
		 FROM transactions WHERE owner_id = $1 ORDER BY seq`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListTransactionsBySymbol(ctx context.Context, symbol string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner_id, symbol, side, quantity,
		        price::TEXT, total_value::TEXT, timestamp
		 FROM transactions WHERE symbol = $1 ORDER BY seq`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (symbol, name, current_price, previous_close, volume, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (symbol) DO UPDATE
		 SET name = EXCLUDED.name,
		     current_price = EXCLUDED.current_price,
		     previous_close = EXCLUDED.previous_close,
		     volume = EXCLUDED.volume,
		     updated_at = EXCLUDED.updated_at`,
		inst.Symbol, inst.Name, inst.CurrentPrice.String(), inst.PreviousClose.String(),
		inst.Volume, inst.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT symbol, name, current_price::TEXT, previous_close::TEXT, volume, updated_at
		 FROM instruments WHERE symbol = $1`, symbol)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, notFound(err, "instrument %s", symbol)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, current_price::TEXT, previous_close::TEXT, volume, updated_at
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insts []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		insts = append(insts, *inst)
	}
	return insts, rows.Err()
}

func (s *PostgresStore) UpdateQuote(ctx context.Context, symbol string, price, previousClose decimal.Decimal, at time.Time) (*model.Instrument, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE instruments
		 SET current_price = $2::NUMERIC,
		     previous_close = CASE WHEN $3::NUMERIC = 0 THEN previous_close ELSE $3::NUMERIC END,
		     updated_at = $4
		 WHERE symbol = $1
		 RETURNING symbol, name, current_price::TEXT, previous_close::TEXT, volume, updated_at`,
		symbol, price.String(), previousClose.String(), at)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, notFound(err, "instrument %s", symbol)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO price_history (symbol, price, at) VALUES ($1, $2::NUMERIC, $3)`,
		symbol, price.String(), at); err != nil {
		return nil, fmt.Errorf("record price %s: %w", symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	var lim any // NULL means LIMIT ALL
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, price, at FROM (
		     SELECT seq, symbol, price::TEXT AS price, at
		     FROM price_history WHERE symbol = $1
		     ORDER BY seq DESC LIMIT $2
		 ) h ORDER BY seq`, symbol, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var pp model.PricePoint
		var price string
		if err := rows.Scan(&pp.Symbol, &price, &pp.At); err != nil {
			return nil, err
		}
		pp.Price, _ = decimal.NewFromString(price)
		points = append(points, pp)
	}
	return points, rows.Err()
}

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps everything else.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	var cur, prev string
	if err := row.Scan(&inst.Symbol, &inst.Name, &cur, &prev, &inst.Volume, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.CurrentPrice, _ = decimal.NewFromString(cur)
	inst.PreviousClose, _ = decimal.NewFromString(prev)
	return &inst, nil
}

// scanTransactions reads pgx rows into Transaction slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var side, priceS, totalS string

		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Symbol, &side, &t.Quantity,
			&priceS, &totalS, &t.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if t.Side, err = model.ParseSide(side); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
		}
		t.Price, _ = decimal.NewFromString(priceS)
		t.TotalValue, _ = decimal.NewFromString(totalS)

		txs = append(txs, t)
	}
	return txs, rows.Err()
}
