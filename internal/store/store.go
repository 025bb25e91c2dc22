package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
)

// OnConflict selects the upsert strategy for a composite-key write.
type OnConflict string

const (
	// ConflictReplace overwrites the existing value unconditionally.
	ConflictReplace OnConflict = "replace"
)

// Store is the persistence facade consumed by the core, mirroring the
// key/value + row-store contract: get/upsert by composite key for settings,
// plus append/update operations for the ledger and history tables. Writes
// are ordered per key and callers are responsible for idempotent payloads.
type Store interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Upsert(ctx context.Context, namespace, key, value string, on OnConflict) error

	SaveSession(ctx context.Context, accountID, value string) error
	LoadSession(ctx context.Context, accountID string) (string, bool, error)
	LoadAllSessions(ctx context.Context) (map[string]string, error)

	AppendTrade(ctx context.Context, t TradeRow) error
	AppendOrderStatus(ctx context.Context, accountID, correlationID, status, detail string) error

	UpsertBotRun(ctx context.Context, run botrun.BotRun) error
	LoadBotRuns(ctx context.Context, accountID string) ([]botrun.BotRun, error)
	LoadAllBotRuns(ctx context.Context) ([]botrun.BotRun, error)

	AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error
	UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error
	LoadExecutionLedger(ctx context.Context, state botrun.LedgerState) ([]ExecutionLedgerRecord, error)

	HealthCheck(ctx context.Context) error
}

// TradeRow is a settled trade persisted for history/attribution.
type TradeRow struct {
	AccountID  string
	BotRunID   string
	ContractID string
	Symbol     string
	Direction  string
	Stake      float64
	BuyPrice   float64
	Profit     float64
	OpenedAt   time.Time
	SettledAt  time.Time
}

// ExecutionLedgerRecord is a raw ledger row as loaded from storage, payload
// still encoded (msgpack), for the caller to decode.
type ExecutionLedgerRecord struct {
	AccountID     string
	CorrelationID string
	State         botrun.LedgerState
	Payload       []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SQLiteStore implements Store over a *DB.
type SQLiteStore struct {
	db  *DB
	log zerolog.Logger
}

// NewSQLiteStore wraps db as a Store.
func NewSQLiteStore(db *DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: log.With().Str("component", "store").Logger()}
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT value FROM kv_settings WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, namespace, key, value string, _ OnConflict) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO kv_settings (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, namespace, key, value, nowRFC3339())
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, accountID, value string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (account_id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, accountID, value, nowRFC3339())
	return err
}

func (s *SQLiteStore) LoadSession(ctx context.Context, accountID string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRowContext(ctx, `SELECT value FROM sessions WHERE account_id = ?`, accountID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return value, err == nil, err
}

func (s *SQLiteStore) LoadAllSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT account_id, value FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTrade(ctx context.Context, t TradeRow) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO trades (account_id, bot_run_id, contract_id, symbol, direction, stake, buy_price, profit, opened_at, settled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.AccountID, t.BotRunID, t.ContractID, t.Symbol, t.Direction, t.Stake, t.BuyPrice, t.Profit,
		t.OpenedAt.UTC().Format(time.RFC3339Nano), t.SettledAt.UTC().Format(time.RFC3339Nano), nowRFC3339())
	return err
}

func (s *SQLiteStore) AppendOrderStatus(ctx context.Context, accountID, correlationID, status, detail string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO order_status (account_id, correlation_id, status, detail, created_at) VALUES (?, ?, ?, ?, ?)
	`, accountID, correlationID, status, detail, nowRFC3339())
	return err
}

func (s *SQLiteStore) UpsertBotRun(ctx context.Context, run botrun.BotRun) error {
	encoded, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode bot run: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO bot_runs (id, account_id, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, run.ID, run.AccountID, string(encoded), nowRFC3339())
	return err
}

func (s *SQLiteStore) LoadBotRuns(ctx context.Context, accountID string) ([]botrun.BotRun, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT value FROM bot_runs WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	return scanBotRuns(rows)
}

func (s *SQLiteStore) LoadAllBotRuns(ctx context.Context) ([]botrun.BotRun, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT value FROM bot_runs`)
	if err != nil {
		return nil, err
	}
	return scanBotRuns(rows)
}

func scanBotRuns(rows *sql.Rows) ([]botrun.BotRun, error) {
	defer rows.Close()
	var out []botrun.BotRun
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		var run botrun.BotRun
		if err := json.Unmarshal([]byte(value), &run); err != nil {
			return nil, fmt.Errorf("decode bot run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO execution_ledger (correlation_id, account_id, state, trade_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, correlation_id) DO NOTHING
	`, row.CorrelationID, row.AccountID, string(row.State), payload, nowRFC3339(), nowRFC3339())
	return err
}

// ledgerStateRank orders the execution-ledger state machine so the UPDATE
// below can refuse to move a row backward (or re-apply a terminal state):
// pending -> in_flight -> {settled, failed}. settled and failed share a
// rank so neither can overwrite the other; this is what makes replaying
// settlement recovery idempotent.
const ledgerStateRankCase = `CASE state WHEN 'pending' THEN 0 WHEN 'in_flight' THEN 1 WHEN 'settled' THEN 2 WHEN 'failed' THEN 2 ELSE -1 END`

func (s *SQLiteStore) UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE execution_ledger SET state = ?, trade_payload = ?, updated_at = ?
		WHERE account_id = ? AND correlation_id = ?
		AND `+ledgerStateRankCase+` < (CASE ? WHEN 'pending' THEN 0 WHEN 'in_flight' THEN 1 WHEN 'settled' THEN 2 WHEN 'failed' THEN 2 ELSE -1 END)
	`, string(state), payload, nowRFC3339(), accountID, correlationID, string(state))
	return err
}

func (s *SQLiteStore) LoadExecutionLedger(ctx context.Context, state botrun.LedgerState) ([]ExecutionLedgerRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT account_id, correlation_id, state, trade_payload, created_at, updated_at
		FROM execution_ledger WHERE state = ?
	`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionLedgerRecord
	for rows.Next() {
		var rec ExecutionLedgerRecord
		var st, createdAt, updatedAt string
		if err := rows.Scan(&rec.AccountID, &rec.CorrelationID, &st, &rec.Payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.State = botrun.LedgerState(st)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }
