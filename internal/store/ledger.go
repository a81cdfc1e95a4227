package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// LegRecord is one order leg as it was last seen.
type LegRecord struct {
	LegID       string
	OperationID string
	Market      string
	Side        string
	From        string
	To          string
	Amount      decimal.Decimal
	OrderID     string
	Status      string
	ExecBase    decimal.Decimal
	ExecQuote   decimal.Decimal
	Price       decimal.Decimal
	UpdatedAt   time.Time
}

type OperationRecord struct {
	OperationID string
	Source      string
	Target      string
	Amount      decimal.Decimal
	RatioGrowth decimal.Decimal
	Direct      bool
	Aborted     bool
	Reason      string
	Received    decimal.Decimal
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Ledger is the append-mostly history of legs and operations.
type Ledger struct {
	db *sql.DB
}

var ledgerSchema = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	`CREATE TABLE IF NOT EXISTS legs (
		leg_id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		from_coin TEXT NOT NULL,
		to_coin TEXT NOT NULL,
		amount TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		exec_base TEXT NOT NULL DEFAULT '0',
		exec_quote TEXT NOT NULL DEFAULT '0',
		price TEXT NOT NULL DEFAULT '0',
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS legs_operation_idx ON legs(operation_id);`,
	`CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		amount TEXT NOT NULL,
		ratio_growth TEXT NOT NULL,
		direct INTEGER NOT NULL,
		aborted INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		received TEXT NOT NULL DEFAULT '0',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);`,
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range ledgerSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "migrate ledger")
		}
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordLeg upserts the latest view of a leg.
func (l *Ledger) RecordLeg(ctx context.Context, rec LegRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO legs (leg_id, operation_id, market, side, from_coin, to_coin, amount, order_id, status, exec_base, exec_quote, price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(leg_id) DO UPDATE SET
			order_id=excluded.order_id,
			status=excluded.status,
			exec_base=excluded.exec_base,
			exec_quote=excluded.exec_quote,
			price=excluded.price,
			updated_at=excluded.updated_at`,
		rec.LegID, rec.OperationID, rec.Market, rec.Side, rec.From, rec.To, rec.Amount.String(),
		rec.OrderID, rec.Status, rec.ExecBase.String(), rec.ExecQuote.String(), rec.Price.String(),
		rec.UpdatedAt.UnixMilli(),
	)
	return errors.Wrapf(err, "record leg %s", rec.LegID)
}

func (l *Ledger) RecordOperation(ctx context.Context, rec OperationRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, source, target, amount, ratio_growth, direct, aborted, reason, received, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO UPDATE SET
			aborted=excluded.aborted,
			reason=excluded.reason,
			received=excluded.received,
			finished_at=excluded.finished_at`,
		rec.OperationID, rec.Source, rec.Target, rec.Amount.String(), rec.RatioGrowth.String(),
		boolInt(rec.Direct), boolInt(rec.Aborted), rec.Reason, rec.Received.String(),
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	return errors.Wrapf(err, "record operation %s", rec.OperationID)
}

// Legs returns the legs of one operation in the order they were first written.
func (l *Ledger) Legs(ctx context.Context, operationID string) ([]LegRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT leg_id, operation_id, market, side, from_coin, to_coin, amount, order_id, status, exec_base, exec_quote, price, updated_at
		FROM legs WHERE operation_id = ? ORDER BY rowid ASC`, operationID)
	if err != nil {
		return nil, errors.Wrap(err, "query legs")
	}
	defer rows.Close()

	var out []LegRecord
	for rows.Next() {
		var rec LegRecord
		var amount, execBase, execQuote, price string
		var updatedAt int64
		if err := rows.Scan(&rec.LegID, &rec.OperationID, &rec.Market, &rec.Side, &rec.From, &rec.To,
			&amount, &rec.OrderID, &rec.Status, &execBase, &execQuote, &price, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan leg")
		}
		rec.Amount = parseStoredDecimal(amount)
		rec.ExecBase = parseStoredDecimal(execBase)
		rec.ExecQuote = parseStoredDecimal(execQuote)
		rec.Price = parseStoredDecimal(price)
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate legs")
}

// RecentOperations lists finished operations, newest first.
func (l *Ledger) RecentOperations(ctx context.Context, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT operation_id, source, target, amount, ratio_growth, direct, aborted, reason, received, started_at, finished_at
		FROM operations ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query operations")
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var amount, growth, received string
		var direct, aborted int
		var startedAt, finishedAt int64
		if err := rows.Scan(&rec.OperationID, &rec.Source, &rec.Target, &amount, &growth, &direct, &aborted,
			&rec.Reason, &received, &startedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "scan operation")
		}
		rec.Amount = parseStoredDecimal(amount)
		rec.RatioGrowth = parseStoredDecimal(growth)
		rec.Received = parseStoredDecimal(received)
		rec.Direct = direct != 0
		rec.Aborted = aborted != 0
		rec.StartedAt = time.UnixMilli(startedAt).UTC()
		rec.FinishedAt = time.UnixMilli(finishedAt).UTC()
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate operations")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseStoredDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
