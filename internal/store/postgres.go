package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token amounts are stored as NUMERIC for exact decimal precision;
// structured fields (market options, commitment metadata, transaction
// metadata) are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("marshal market options: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, status, ends_at, options, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Title, m.Status, m.EndsAt, options, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	var options []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, ends_at, options, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Title, &m.Status, &m.EndsAt, &options, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	if err := json.Unmarshal(options, &m.Options); err != nil {
		return nil, fmt.Errorf("unmarshal market options: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, status, ends_at, options, created_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var options []byte
		if err := rows.Scan(&m.ID, &m.Title, &m.Status, &m.EndsAt, &options, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(options, &m.Options); err != nil {
			return nil, fmt.Errorf("unmarshal market options: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	var b model.UserBalance
	var available, committed, earned, spent string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id,
		        available_tokens::TEXT, committed_tokens::TEXT,
		        total_earned::TEXT, total_spent::TEXT,
		        version, last_updated
		 FROM user_balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &available, &committed, &earned, &spent, &b.Version, &b.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: balance for user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}

	b.AvailableTokens, _ = decimal.NewFromString(available)
	b.CommittedTokens, _ = decimal.NewFromString(committed)
	b.TotalEarned, _ = decimal.NewFromString(earned)
	b.TotalSpent, _ = decimal.NewFromString(spent)

	return &b, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.TokenTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, balance_before::TEXT, balance_after::TEXT,
		        related_id, metadata, timestamp, status
		 FROM token_transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.TokenTransaction
	for rows.Next() {
		var e model.TokenTransaction
		var amount, before, after string
		var metadata []byte

		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amount, &before, &after,
			&e.RelatedID, &metadata, &e.Timestamp, &e.Status); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetCommitment(ctx context.Context, id string) (*model.PredictionCommitment, error) {
	row := s.pool.QueryRow(ctx, commitmentSelect+` WHERE id = $1`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: commitment %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get commitment %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListUserCommitments(ctx context.Context, userID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	query := commitmentSelect + ` WHERE user_id = $1`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY committed_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommitments(rows)
}

func (s *PostgresStore) ListMarketCommitments(ctx context.Context, marketID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	query := commitmentSelect + ` WHERE prediction_id = $1`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY committed_at`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommitments(rows)
}

// ApplyLedgerTx runs the unit inside a single database transaction. The
// balance write is conditioned on the version it was read at; zero rows
// affected means another writer got there first and the whole unit rolls
// back with ErrVersionConflict.
func (s *PostgresStore) ApplyLedgerTx(ctx context.Context, ltx LedgerTx) error {
	if ltx.Balance == nil {
		return fmt.Errorf("store: ledger tx requires a balance write")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b := ltx.Balance
	if ltx.ExpectedVersion == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_balances
			   (user_id, available_tokens, committed_tokens, total_earned, total_spent, version, last_updated)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
			b.UserID, b.AvailableTokens.String(), b.CommittedTokens.String(),
			b.TotalEarned.String(), b.TotalSpent.String(), b.Version, b.LastUpdated,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: balance for user %s", ErrAlreadyExists, b.UserID)
			}
			return fmt.Errorf("insert balance %s: %w", b.UserID, err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE user_balances
			 SET available_tokens = $2::NUMERIC, committed_tokens = $3::NUMERIC,
			     total_earned = $4::NUMERIC, total_spent = $5::NUMERIC,
			     version = $6, last_updated = $7
			 WHERE user_id = $1 AND version = $8`,
			b.UserID, b.AvailableTokens.String(), b.CommittedTokens.String(),
			b.TotalEarned.String(), b.TotalSpent.String(), b.Version, b.LastUpdated,
			ltx.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update balance %s: %w", b.UserID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s read at v%d", ErrVersionConflict, b.UserID, ltx.ExpectedVersion)
		}
	}

	if c := ltx.InsertCommitment; c != nil {
		if err := insertCommitment(ctx, tx, c); err != nil {
			return err
		}
	}
	if c := ltx.UpdateCommitment; c != nil {
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal commitment metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE prediction_commitments
			 SET status = $2, resolved_at = $3, metadata = $4
			 WHERE id = $1`,
			c.ID, c.Status, c.ResolvedAt, metadata,
		)
		if err != nil {
			return fmt.Errorf("update commitment %s: %w", c.ID, err)
		}
	}
	if e := ltx.Transaction; e != nil {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO token_transactions
			   (id, user_id, type, amount, balance_before, balance_after, related_id, metadata, timestamp, status)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
			e.ID, e.UserID, e.Type, e.Amount.String(),
			e.BalanceBefore.String(), e.BalanceAfter.String(),
			e.RelatedID, metadata, e.Timestamp, e.Status,
		)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

const commitmentSelect = `SELECT id, user_id, prediction_id, market_id,
       tokens_committed::TEXT, position, option_id,
       odds::TEXT, potential_winning::TEXT,
       status, committed_at, resolved_at, metadata
 FROM prediction_commitments`

func insertCommitment(ctx context.Context, tx pgx.Tx, c *model.PredictionCommitment) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal commitment metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO prediction_commitments
		   (id, user_id, prediction_id, market_id, tokens_committed, position, option_id,
		    odds, potential_winning, status, committed_at, resolved_at, metadata)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		c.ID, c.UserID, c.PredictionID, c.MarketID, c.TokensCommitted.String(),
		c.Position, c.OptionID, c.Odds.String(), c.PotentialWinning.String(),
		c.Status, c.CommittedAt, c.ResolvedAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert commitment %s: %w", c.ID, err)
	}
	return nil
}

// pgxRow is the subset of pgx.Row/pgx.Rows used by scanCommitment.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(row pgxRow) (*model.PredictionCommitment, error) {
	var c model.PredictionCommitment
	var tokens, odds, winning string
	var metadata []byte

	if err := row.Scan(&c.ID, &c.UserID, &c.PredictionID, &c.MarketID,
		&tokens, &c.Position, &c.OptionID,
		&odds, &winning,
		&c.Status, &c.CommittedAt, &c.ResolvedAt, &metadata); err != nil {
		return nil, err
	}

	c.TokensCommitted, _ = decimal.NewFromString(tokens)
	c.Odds, _ = decimal.NewFromString(odds)
	c.PotentialWinning, _ = decimal.NewFromString(winning)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal commitment metadata: %w", err)
		}
	}
	return &c, nil
}

func scanCommitments(rows pgx.Rows) ([]model.PredictionCommitment, error) {
	var commitments []model.PredictionCommitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, *c)
	}
	return commitments, rows.Err()
}
