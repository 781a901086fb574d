// Package storage persists the engine's execution results, position
// lifecycle and copy-trade records using modernc.org/sqlite (pure Go, no
// cgo) opened with a WAL-pragma DSN, against a schema shaped by the
// domain model's Edge/Position/PartialExit/CopyTrade records.
package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"solfarm-engine/internal/domain"
)

// DB wraps the SQLite database.
type DB struct {
	db *sql.DB
}

// ExecutionRecord is a terminal record of one edge's pipeline run.
type ExecutionRecord struct {
	EdgeID                 string
	Status                 string
	TxSignature            string
	BundleID               string
	RealizedProfitLamports int64
	GasLamports            int64
	LatencyMS              int64
	Error                  string
	Timestamp              int64
}

// PositionRecord persists an OpenPosition snapshot (open or closed).
type PositionRecord struct {
	ID                   string
	EdgeID               string
	StrategyID           string
	TokenMint            string
	TokenSymbol          string
	EntryAmountBase      float64
	EntryTokenAmount     float64
	EntryPrice           float64
	RemainingAmountBase  float64
	RemainingTokenAmount float64
	Status               string
	OpeningTxSignature   string
	StrategyTag          string
	OriginTag            string
	OpenedAt             int64
	ClosedAt             int64
}

// PartialExitRecord logs one laddered or priority exit against a position.
type PartialExitRecord struct {
	ID            int64
	PositionID    string
	Reason        string
	ExitPercent   float64
	ExitedBase    float64
	TxSignature   string
	Timestamp     int64
}

// CopyTradeRecord logs one copy-execution attempt.
type CopyTradeRecord struct {
	ID          int64
	KolID       string
	KolTradeID  string
	TokenMint   string
	TradeType   string
	Success     bool
	PositionID  string
	Error       string
	Timestamp   int64
}

// NewDB opens (creating if needed) the SQLite database at path, tuned with
// a WAL/NORMAL/busy-timeout pragma set for a single-writer, many-reader
// workload.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_results (
		edge_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tx_signature TEXT NOT NULL DEFAULT '',
		bundle_id TEXT NOT NULL DEFAULT '',
		realized_profit_lamports INTEGER NOT NULL DEFAULT 0,
		gas_lamports INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		edge_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL DEFAULT '',
		token_mint TEXT NOT NULL,
		token_symbol TEXT NOT NULL DEFAULT '',
		entry_amount_base REAL NOT NULL,
		entry_token_amount REAL NOT NULL,
		entry_price REAL NOT NULL,
		remaining_amount_base REAL NOT NULL,
		remaining_token_amount REAL NOT NULL,
		status TEXT NOT NULL,
		opening_tx_signature TEXT NOT NULL DEFAULT '',
		strategy_tag TEXT NOT NULL DEFAULT '',
		origin_tag TEXT NOT NULL DEFAULT '',
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS partial_exits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		exit_percent REAL NOT NULL,
		exited_base REAL NOT NULL,
		tx_signature TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS copy_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kol_id TEXT NOT NULL,
		kol_trade_id TEXT NOT NULL,
		token_mint TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_partial_exits_position ON partial_exits(position_id);
	CREATE INDEX IF NOT EXISTS idx_copy_trades_kol ON copy_trades(kol_id);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertExecutionResult upserts the terminal record of one edge's run.
func (d *DB) InsertExecutionResult(edgeID uuid.UUID, status string, r domain.ExecutionResult) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO execution_results
		(edge_id, status, tx_signature, bundle_id, realized_profit_lamports, gas_lamports, latency_ms, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		edgeID.String(), status, r.TxSignature, r.BundleID, r.RealizedProfitLamports, r.GasLamports, r.LatencyMS, r.Error, time.Now().Unix())
	return err
}

// UpsertPosition inserts or replaces a position snapshot.
func (d *DB) UpsertPosition(p PositionRecord) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO positions
		(id, edge_id, strategy_id, token_mint, token_symbol, entry_amount_base, entry_token_amount, entry_price,
		 remaining_amount_base, remaining_token_amount, status, opening_tx_signature, strategy_tag, origin_tag, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EdgeID, p.StrategyID, p.TokenMint, p.TokenSymbol, p.EntryAmountBase, p.EntryTokenAmount, p.EntryPrice,
		p.RemainingAmountBase, p.RemainingTokenAmount, p.Status, p.OpeningTxSignature, p.StrategyTag, p.OriginTag, p.OpenedAt, p.ClosedAt)
	return err
}

// GetOpenPositions retrieves every position not yet closed.
func (d *DB) GetOpenPositions() ([]PositionRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, edge_id, strategy_id, token_mint, token_symbol, entry_amount_base, entry_token_amount, entry_price,
		       remaining_amount_base, remaining_token_amount, status, opening_tx_signature, strategy_tag, origin_tag, opened_at, closed_at
		FROM positions WHERE status != 'closed'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(&p.ID, &p.EdgeID, &p.StrategyID, &p.TokenMint, &p.TokenSymbol, &p.EntryAmountBase, &p.EntryTokenAmount,
			&p.EntryPrice, &p.RemainingAmountBase, &p.RemainingTokenAmount, &p.Status, &p.OpeningTxSignature, &p.StrategyTag,
			&p.OriginTag, &p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPartialExit logs one exit against a position.
func (d *DB) InsertPartialExit(r PartialExitRecord) error {
	_, err := d.db.Exec(`
		INSERT INTO partial_exits (position_id, reason, exit_percent, exited_base, tx_signature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.PositionID, r.Reason, r.ExitPercent, r.ExitedBase, r.TxSignature, time.Now().Unix())
	return err
}

// InsertCopyTrade logs one copy-execution attempt.
func (d *DB) InsertCopyTrade(r CopyTradeRecord) error {
	success := 0
	if r.Success {
		success = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO copy_trades (kol_id, kol_trade_id, token_mint, trade_type, success, position_id, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.KolID, r.KolTradeID, r.TokenMint, r.TradeType, success, r.PositionID, r.Error, time.Now().Unix())
	return err
}

// GetExecutionStats returns the aggregate win-rate and realized PnL across
// every landed execution.
func (d *DB) GetExecutionStats() (totalExecutions int, winRate float64, totalProfitLamports int64, err error) {
	var wins int
	err = d.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_profit_lamports > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_profit_lamports), 0)
		FROM execution_results WHERE status = 'completed'`).Scan(&totalExecutions, &wins, &totalProfitLamports)
	if err != nil {
		return
	}
	if totalExecutions > 0 {
		winRate = float64(wins) / float64(totalExecutions) * 100
	}
	return
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns the current Unix timestamp; kept as a helper for callers that
// stamp records outside the DB layer.
func Now() int64 {
	return time.Now().Unix()
}
