package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rebalancer/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database: one
// portfolio-state row, a holdings table, an append-only cycle ledger, and a
// per-cycle order-result table.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS portfolio_state (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	cycle_id    TEXT NOT NULL,
	cash        REAL NOT NULL CHECK (cash >= 0),
	total_value REAL NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	asset_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	shares     INTEGER NOT NULL CHECK (shares >= 0),
	cost_basis REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_cycles (
	cycle_id      TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL DEFAULT '',
	pre_cash      REAL NOT NULL,
	pre_value     REAL NOT NULL,
	pre_holdings  TEXT NOT NULL DEFAULT '{}',
	post_cash     REAL NOT NULL DEFAULT 0,
	post_value    REAL NOT NULL DEFAULT 0,
	post_holdings TEXT NOT NULL DEFAULT '{}',
	note          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS order_results (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id        TEXT NOT NULL REFERENCES execution_cycles(cycle_id),
	asset_id        TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	intent_shares   INTEGER NOT NULL,
	status          TEXT NOT NULL,
	filled_shares   INTEGER NOT NULL,
	fill_price      REAL NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	ts              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_results_cycle ON order_results(cycle_id);
`

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets a serve process read while a cycle writes; busy_timeout
	// covers the short lock overlaps instead of surfacing SQLITE_BUSY.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// The engine is the single writer; one connection per process keeps the
	// writer's transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Portfolio state
// ---------------------------------------------------------------------------

// Load returns the current portfolio state with its holdings.
func (s *SQLiteStore) Load(ctx context.Context) (*domain.PortfolioState, error) {
	state := &domain.PortfolioState{Holdings: make(map[string]domain.Holding)}

	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT cycle_id, cash, total_value, updated_at FROM portfolio_state WHERE id = 1`,
	).Scan(&state.CycleID, &state.Cash, &state.TotalValue, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading portfolio state: %w", err)
	}
	state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT asset_id, name, shares, cost_basis FROM holdings`)
	if err != nil {
		return nil, fmt.Errorf("loading holdings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.AssetID, &h.Name, &h.Shares, &h.CostBasis); err != nil {
			return nil, fmt.Errorf("scanning holding: %w", err)
		}
		state.Holdings[h.AssetID] = h
	}
	return state, rows.Err()
}

// InitState seeds the initial state. A second call fails on the primary-key
// constraint, preserving create-once semantics.
func (s *SQLiteStore) InitState(ctx context.Context, state domain.PortfolioState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning init tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO portfolio_state (id, cycle_id, cash, total_value, updated_at) VALUES (1, ?, ?, ?, ?)`,
		state.CycleID, state.Cash, state.TotalValue, state.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting initial state: %w", err)
	}
	if err := replaceHoldings(ctx, tx, state.Holdings); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceHoldings(ctx context.Context, tx *sql.Tx, holdings map[string]domain.Holding) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings`); err != nil {
		return fmt.Errorf("clearing holdings: %w", err)
	}
	for _, h := range holdings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holdings (asset_id, name, shares, cost_basis) VALUES (?, ?, ?, ?)`,
			h.AssetID, h.Name, h.Shares, h.CostBasis,
		); err != nil {
			return fmt.Errorf("inserting holding %s: %w", h.AssetID, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execution ledger
// ---------------------------------------------------------------------------

func marshalHoldings(holdings map[string]domain.Holding) string {
	raw, err := json.Marshal(holdings)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// BeginCycle inserts the pending ledger row for a starting cycle.
func (s *SQLiteStore) BeginCycle(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_cycles (cycle_id, stage, started_at, pre_cash, pre_value, pre_holdings)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CycleID, string(rec.Stage), rec.StartedAt.Format(time.RFC3339Nano),
		rec.PreState.Cash, rec.PreState.TotalValue, marshalHoldings(rec.PreState.Holdings),
	)
	if err != nil {
		return fmt.Errorf("recording pending cycle %s: %w", rec.CycleID, err)
	}
	return nil
}

// SaveCycle finalizes the cycle's ledger entry and persists the new state in
// one transaction.
func (s *SQLiteStore) SaveCycle(ctx context.Context, state domain.PortfolioState, rec domain.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO portfolio_state (id, cycle_id, cash, total_value, updated_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cycle_id = excluded.cycle_id, cash = excluded.cash,
		                               total_value = excluded.total_value, updated_at = excluded.updated_at`,
		state.CycleID, state.Cash, state.TotalValue, state.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("saving portfolio state: %w", err)
	}
	if err := replaceHoldings(ctx, tx, state.Holdings); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_cycles (cycle_id, stage, started_at, finished_at, pre_cash, pre_value, pre_holdings,
		                               post_cash, post_value, post_holdings, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cycle_id) DO UPDATE SET stage = excluded.stage, finished_at = excluded.finished_at,
		                                     post_cash = excluded.post_cash, post_value = excluded.post_value,
		                                     post_holdings = excluded.post_holdings, note = excluded.note`,
		rec.CycleID, string(rec.Stage),
		rec.StartedAt.Format(time.RFC3339Nano), rec.FinishedAt.Format(time.RFC3339Nano),
		rec.PreState.Cash, rec.PreState.TotalValue, marshalHoldings(rec.PreState.Holdings),
		rec.PostState.Cash, rec.PostState.TotalValue, marshalHoldings(rec.PostState.Holdings),
		rec.Note,
	); err != nil {
		return fmt.Errorf("finalizing cycle %s: %w", rec.CycleID, err)
	}

	// Re-finalizing a resumed cycle replaces its order rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_results WHERE cycle_id = ?`, rec.CycleID); err != nil {
		return fmt.Errorf("clearing order results: %w", err)
	}
	for _, r := range append(append([]domain.OrderResult{}, rec.Sells...), rec.Buys...) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_results (cycle_id, asset_id, name, side, intent_shares, status,
			                            filled_shares, fill_price, broker_order_id, reason, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.CycleID, r.Intent.AssetID, r.Intent.Name, string(r.Intent.Side), r.Intent.Shares,
			string(r.Status), r.FilledShares, r.FillPrice, r.BrokerOrderID, r.Reason,
			r.Timestamp.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting order result for %s: %w", r.Intent.AssetID, err)
		}
	}

	return tx.Commit()
}

// LastCycle returns the most recent ledger entry.
func (s *SQLiteStore) LastCycle(ctx context.Context) (*domain.ExecutionRecord, error) {
	recs, err := s.History(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// Cycle returns the ledger entry for one cycle ID.
func (s *SQLiteStore) Cycle(ctx context.Context, cycleID string) (*domain.ExecutionRecord, error) {
	recs, err := s.queryCycles(ctx, `WHERE cycle_id = ?`, cycleID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// History returns up to limit entries, most recent first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryCycles(ctx, `ORDER BY rowid DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) queryCycles(ctx context.Context, clause string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, stage, started_at, finished_at, pre_cash, pre_value, pre_holdings,
		        post_cash, post_value, post_holdings, note
		 FROM execution_cycles `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var recs []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var stage, startedAt, finishedAt, preHoldings, postHoldings string
		if err := rows.Scan(&rec.CycleID, &stage, &startedAt, &finishedAt,
			&rec.PreState.Cash, &rec.PreState.TotalValue, &preHoldings,
			&rec.PostState.Cash, &rec.PostState.TotalValue, &postHoldings, &rec.Note,
		); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		rec.Stage = domain.CycleStage(stage)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt != "" {
			rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		}
		json.Unmarshal([]byte(preHoldings), &rec.PreState.Holdings)
		json.Unmarshal([]byte(postHoldings), &rec.PostState.Holdings)
		rec.PreState.CycleID = rec.CycleID
		rec.PostState.CycleID = rec.CycleID
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		if err := s.loadOrders(ctx, &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *SQLiteStore) loadOrders(ctx context.Context, rec *domain.ExecutionRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, name, side, intent_shares, status, filled_shares, fill_price,
		        broker_order_id, reason, ts
		 FROM order_results WHERE cycle_id = ? ORDER BY id`, rec.CycleID)
	if err != nil {
		return fmt.Errorf("querying order results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.OrderResult
		var side, status, ts string
		if err := rows.Scan(&r.Intent.AssetID, &r.Intent.Name, &side, &r.Intent.Shares,
			&status, &r.FilledShares, &r.FillPrice, &r.BrokerOrderID, &r.Reason, &ts,
		); err != nil {
			return fmt.Errorf("scanning order result: %w", err)
		}
		r.Intent.Side = domain.Side(side)
		r.Status = domain.OrderStatus(status)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		switch r.Intent.Side {
		case domain.SideSell:
			rec.Sells = append(rec.Sells, r)
		default:
			rec.Buys = append(rec.Buys, r)
		}
	}
	return rows.Err()
}
