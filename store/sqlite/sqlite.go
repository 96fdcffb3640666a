/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists the three things the billing engine needs: raw bill documents,
  the append-only payment ledger and the append-only credit history.
  In production, the same patterns apply to PostgreSQL with only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  billing.DocumentStore: Versioned documents keyed by path
  billing.LedgerStore:   Payment records + allocations
  billing.CreditStore:   Credit entries with a sequence guard
  billing.TxStore:       WithTx over a single sql.Tx

APPEND-ONLY ENFORCEMENT:
  payment_records, allocations and credit_entries have BEFORE UPDATE and
  BEFORE DELETE triggers that abort. Only documents are ever updated.

KEY TABLES:
  documents:       Raw bill records (JSON) with an optimistic version
  payment_records: One row per recorded payment, unique per unit+payment id
  allocations:     Ledger lines, FK to payment_records
  credit_entries:  Signed credit changes, unique per unit+seq

CONCURRENCY:
  credit_entries.seq is the unit's history length at append time. Two
  writers that read the same history both try the same seq; the UNIQUE
  index rejects the loser with ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/unit-billing/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and every connection to
	// ":memory:" would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Raw bill documents (derived cache, mutable with optimistic version)
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Payment ledger (append-only source of truth)
	CREATE TABLE IF NOT EXISTS payment_records (
		transaction_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		payment_date TEXT NOT NULL,
		credit_used INTEGER NOT NULL,
		overpayment INTEGER NOT NULL,
		reference TEXT,
		recorded_at TEXT NOT NULL,
		UNIQUE(client_id, unit_id, payment_id)
	);

	CREATE INDEX IF NOT EXISTS idx_payment_records_unit
		ON payment_records(client_id, unit_id, recorded_at);

	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL REFERENCES payment_records(transaction_id),
		payment_id TEXT NOT NULL,
		bill_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_transaction
		ON allocations(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_bill
		ON allocations(bill_id);

	-- Credit history (append-only, balance = SUM(amount))
	CREATE TABLE IF NOT EXISTS credit_entries (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(client_id, unit_id, seq)
	);

	CREATE TRIGGER IF NOT EXISTS payment_records_no_update BEFORE UPDATE ON payment_records
	BEGIN SELECT RAISE(ABORT, 'payment_records is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS payment_records_no_delete BEFORE DELETE ON payment_records
	BEGIN SELECT RAISE(ABORT, 'payment_records is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS allocations_no_update BEFORE UPDATE ON allocations
	BEGIN SELECT RAISE(ABORT, 'allocations is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS allocations_no_delete BEFORE DELETE ON allocations
	BEGIN SELECT RAISE(ABORT, 'allocations is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS credit_entries_no_update BEFORE UPDATE ON credit_entries
	BEGIN SELECT RAISE(ABORT, 'credit_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS credit_entries_no_delete BEFORE DELETE ON credit_entries
	BEGIN SELECT RAISE(ABORT, 'credit_entries is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// DOCUMENT STORE (billing.DocumentStore interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, path string) (billing.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDocument(ctx, s.db, path)
}

func (s *Store) List(ctx context.Context, prefix string) ([]billing.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDocuments(ctx, s.db, prefix)
}

func (s *Store) Set(ctx context.Context, path string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setDocument(ctx, s.db, path, data)
}

func (s *Store) Update(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDocument(ctx, s.db, path, data, expectedVersion)
}

func getDocument(ctx context.Context, q querier, path string) (billing.Document, error) {
	var (
		doc       billing.Document
		data      string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT path, data, version, updated_at FROM documents WHERE path = ?`, path,
	).Scan(&doc.Path, &data, &doc.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Document{}, billing.ErrDocumentNotFound
	}
	if err != nil {
		return billing.Document{}, storeErr("get document", err)
	}
	doc.Data = []byte(data)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

// listDocuments compares bytes: substr on TEXT counts characters, len counts bytes.
func listDocuments(ctx context.Context, q querier, prefix string) ([]billing.Document, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path, data, version, updated_at FROM documents
		 WHERE substr(CAST(path AS BLOB), 1, ?) = CAST(? AS BLOB)
		 ORDER BY path ASC`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	defer rows.Close()

	var docs []billing.Document
	for rows.Next() {
		var (
			doc       billing.Document
			data      string
			updatedAt string
		)
		if err := rows.Scan(&doc.Path, &data, &doc.Version, &updatedAt); err != nil {
			return nil, storeErr("scan document", err)
		}
		doc.Data = []byte(data)
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list documents", err)
	}
	return docs, nil
}

func setDocument(ctx context.Context, q querier, path string, data []byte) (int64, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (path, data, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET
			data = excluded.data,
			version = documents.version + 1,
			updated_at = excluded.updated_at
	`, path, string(data), now())
	if err != nil {
		return 0, storeErr("set document", err)
	}

	var version int64
	if err := q.QueryRowContext(ctx, `SELECT version FROM documents WHERE path = ?`, path).Scan(&version); err != nil {
		return 0, storeErr("set document", err)
	}
	return version, nil
}

func updateDocument(ctx context.Context, q querier, path string, data []byte, expectedVersion int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		WHERE path = ? AND version = ?
	`, string(data), now(), path, expectedVersion)
	if err != nil {
		return 0, storeErr("update document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("update document", err)
	}
	if n == 0 {
		if _, err := getDocument(ctx, q, path); err != nil {
			return 0, err
		}
		return 0, billing.ErrConcurrentModification
	}
	return expectedVersion + 1, nil
}

// =============================================================================
// LEDGER STORE (billing.LedgerStore interface)
// =============================================================================

// AppendPayment adds a payment record and its allocations atomically.
func (s *Store) AppendPayment(ctx context.Context, rec billing.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := appendPayment(ctx, sqlTx, rec); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit payment", err)
	}
	return nil
}

func appendPayment(ctx context.Context, q querier, rec billing.PaymentRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_records
		(transaction_id, client_id, unit_id, payment_id, amount, payment_date,
		 credit_used, overpayment, reference, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.TransactionID,
		rec.Unit.ClientID,
		rec.Unit.UnitID,
		rec.PaymentID,
		int64(rec.Amount),
		rec.PaymentDate.String(),
		int64(rec.CreditUsed),
		int64(rec.Overpayment),
		nullString(rec.Reference),
		rec.RecordedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicatePayment
		}
		return storeErr("append payment", err)
	}

	for _, a := range rec.Allocations {
		_, err := q.ExecContext(ctx, `
			INSERT INTO allocations (transaction_id, payment_id, bill_id, kind, amount)
			VALUES (?, ?, ?, ?, ?)
		`, a.TransactionID, a.PaymentID, a.BillID, a.Kind, int64(a.Amount))
		if err != nil {
			return storeErr("append allocation", err)
		}
	}
	return nil
}

func (s *Store) LoadPayments(ctx context.Context, unit billing.UnitRef) ([]billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadPayments(ctx, s.db, unit)
}

func loadPayments(ctx context.Context, q querier, unit billing.UnitRef) ([]billing.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, payment_id, amount, payment_date, credit_used,
		       overpayment, reference, recorded_at
		FROM payment_records
		WHERE client_id = ? AND unit_id = ?
		ORDER BY recorded_at ASC, rowid ASC
	`, unit.ClientID, unit.UnitID)
	if err != nil {
		return nil, storeErr("load payments", err)
	}

	var (
		recs  []billing.PaymentRecord
		index = make(map[billing.TransactionID]int)
	)
	for rows.Next() {
		var (
			rec                             billing.PaymentRecord
			amount, creditUsed, overpayment int64
			paymentDate, recordedAt         string
			reference                       sql.NullString
		)
		if err := rows.Scan(&rec.TransactionID, &rec.PaymentID, &amount, &paymentDate,
			&creditUsed, &overpayment, &reference, &recordedAt); err != nil {
			rows.Close()
			return nil, storeErr("scan payment", err)
		}
		rec.Unit = unit
		rec.Amount = billing.Money(amount)
		rec.CreditUsed = billing.Money(creditUsed)
		rec.Overpayment = billing.Money(overpayment)
		rec.Reference = reference.String
		rec.PaymentDate, _ = billing.ParseDate(paymentDate)
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		index[rec.TransactionID] = len(recs)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeErr("load payments", err)
	}
	rows.Close()

	arows, err := q.QueryContext(ctx, `
		SELECT a.transaction_id, a.payment_id, a.bill_id, a.kind, a.amount
		FROM allocations a
		JOIN payment_records p ON p.transaction_id = a.transaction_id
		WHERE p.client_id = ? AND p.unit_id = ?
		ORDER BY a.id ASC
	`, unit.ClientID, unit.UnitID)
	if err != nil {
		return nil, storeErr("load allocations", err)
	}
	defer arows.Close()

	for arows.Next() {
		var (
			a      billing.Allocation
			kind   string
			amount int64
		)
		if err := arows.Scan(&a.TransactionID, &a.PaymentID, &a.BillID, &kind, &amount); err != nil {
			return nil, storeErr("scan allocation", err)
		}
		a.Kind = billing.AllocationKind(kind)
		a.Amount = billing.Money(amount)
		if i, ok := index[a.TransactionID]; ok {
			recs[i].Allocations = append(recs[i].Allocations, a)
		}
	}
	if err := arows.Err(); err != nil {
		return nil, storeErr("load allocations", err)
	}
	return recs, nil
}

func (s *Store) PaymentExists(ctx context.Context, unit billing.UnitRef, id billing.PaymentID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paymentExists(ctx, s.db, unit, id)
}

func paymentExists(ctx context.Context, q querier, unit billing.UnitRef, id billing.PaymentID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payment_records
		WHERE client_id = ? AND unit_id = ? AND payment_id = ?
	`, unit.ClientID, unit.UnitID, id).Scan(&count)
	if err != nil {
		return false, storeErr("payment exists", err)
	}
	return count > 0, nil
}

// =============================================================================
// CREDIT STORE (billing.CreditStore interface)
// =============================================================================

func (s *Store) AppendCredit(ctx context.Context, entry billing.CreditEntry, expectedEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendCredit(ctx, s.db, entry, expectedEntries)
}

func appendCredit(ctx context.Context, q querier, entry billing.CreditEntry, expectedEntries int) error {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_entries WHERE client_id = ? AND unit_id = ?
	`, entry.Unit.ClientID, entry.Unit.UnitID).Scan(&count)
	if err != nil {
		return storeErr("count credit", err)
	}
	if count != expectedEntries {
		return billing.ErrConcurrentModification
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO credit_entries
		(id, client_id, unit_id, seq, amount, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Unit.ClientID,
		entry.Unit.UnitID,
		expectedEntries,
		int64(entry.Amount),
		entry.Reason,
		nullString(entry.ReferenceID),
		entry.Timestamp.UTC().Format(timestampLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrConcurrentModification
		}
		return storeErr("append credit", err)
	}
	return nil
}

func (s *Store) LoadCredit(ctx context.Context, unit billing.UnitRef) ([]billing.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadCredit(ctx, s.db, unit)
}

func loadCredit(ctx context.Context, q querier, unit billing.UnitRef) ([]billing.CreditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, amount, reason, reference_id, created_at
		FROM credit_entries
		WHERE client_id = ? AND unit_id = ?
		ORDER BY seq ASC
	`, unit.ClientID, unit.UnitID)
	if err != nil {
		return nil, storeErr("load credit", err)
	}
	defer rows.Close()

	var entries []billing.CreditEntry
	for rows.Next() {
		var (
			e         billing.CreditEntry
			amount    int64
			reason    string
			reference sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &amount, &reason, &reference, &createdAt); err != nil {
			return nil, storeErr("scan credit", err)
		}
		e.Unit = unit
		e.Amount = billing.Money(amount)
		e.Reason = billing.CreditReason(reason)
		e.ReferenceID = reference.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load credit", err)
	}
	return entries, nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, path string) (billing.Document, error) {
	return getDocument(ctx, ts.tx, path)
}

func (ts *txStore) List(ctx context.Context, prefix string) ([]billing.Document, error) {
	return listDocuments(ctx, ts.tx, prefix)
}

func (ts *txStore) Set(ctx context.Context, path string, data []byte) (int64, error) {
	return setDocument(ctx, ts.tx, path, data)
}

func (ts *txStore) Update(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	return updateDocument(ctx, ts.tx, path, data, expectedVersion)
}

func (ts *txStore) AppendPayment(ctx context.Context, rec billing.PaymentRecord) error {
	return appendPayment(ctx, ts.tx, rec)
}

func (ts *txStore) LoadPayments(ctx context.Context, unit billing.UnitRef) ([]billing.PaymentRecord, error) {
	return loadPayments(ctx, ts.tx, unit)
}

func (ts *txStore) PaymentExists(ctx context.Context, unit billing.UnitRef, id billing.PaymentID) (bool, error) {
	return paymentExists(ctx, ts.tx, unit, id)
}

func (ts *txStore) AppendCredit(ctx context.Context, entry billing.CreditEntry, expectedEntries int) error {
	return appendCredit(ctx, ts.tx, entry, expectedEntries)
}

func (ts *txStore) LoadCredit(ctx context.Context, unit billing.UnitRef) ([]billing.CreditEntry, error) {
	return loadCredit(ctx, ts.tx, unit)
}

// =============================================================================
// HELPERS
// =============================================================================

// timestampLayout is fixed width so text order is time order. Values are
// read back with time.RFC3339Nano, which accepts it.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timestampLayout)
}

func storeErr(op string, err error) error {
	return &billing.StoreError{Op: op, Err: err}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
