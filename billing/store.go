/*
store.go - Persistence contract required by the billing engine

PURPOSE:
  Defines the interface between the engine and whatever holds bills, the
  payment ledger and credit history. The engine needs very little from the
  store: read-your-writes within a single document and optimistic
  per-document updates. No cross-document atomicity is assumed.

KEY INTERFACES:
  DocumentStore: Raw bill documents at paths (get / list / set / update)
  LedgerStore:   Append-only payment records with their allocations
  CreditStore:   Append-only credit history with a length guard
  TxStore:       Optional. A store that CAN run several writes atomically

APPEND-ONLY CONTRACT:
  LedgerStore and CreditStore expose NO update and NO delete. Corrections are
  new entries (a credit adjustment, a new payment). Only bill documents are
  mutable, and they are a cache derived from the ledger.

OPTIMISTIC UPDATES:
  Every document carries a Version. Update(path, data, expectedVersion)
  fails with ErrConcurrentModification if someone else wrote first.
  AppendCredit(entry, expectedEntries) fails the same way if the unit's
  history grew since it was read.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, implements TxStore
  - billing/store/memory.go: In-memory for tests and local runs

SEE ALSO:
  - payment.go: Uses WithTx when available, CommitError otherwise
  - loader.go: BillSource implementations read documents through this
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// DOCUMENTS - Raw bill records keyed by path
// =============================================================================

// Document is a raw record stored at a path.
type Document struct {
	Path      string
	Data      []byte // JSON encoded raw record
	Version   int64  // starts at 1, incremented on every write
	UpdatedAt time.Time
}

// DocumentStore is a generic path-keyed document store.
type DocumentStore interface {
	// Get returns the document at path or ErrDocumentNotFound.
	Get(ctx context.Context, path string) (Document, error)

	// List returns all documents whose path starts with prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]Document, error)

	// Set creates or replaces the document and returns its new version.
	Set(ctx context.Context, path string, data []byte) (int64, error)

	// Update replaces the document only if its version equals expectedVersion.
	// Returns ErrConcurrentModification on a version mismatch.
	Update(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error)
}

// =============================================================================
// LEDGER AND CREDIT - Append-only
// =============================================================================

// LedgerStore persists payment records. APPEND-ONLY.
type LedgerStore interface {
	// AppendPayment persists a record and its allocations.
	// Returns ErrDuplicatePayment if the payment id exists for the unit.
	AppendPayment(ctx context.Context, rec PaymentRecord) error

	// LoadPayments returns the unit's records ordered by RecordedAt.
	LoadPayments(ctx context.Context, unit UnitRef) ([]PaymentRecord, error)

	// PaymentExists checks whether a payment id was already recorded.
	PaymentExists(ctx context.Context, unit UnitRef, id PaymentID) (bool, error)
}

// CreditStore persists credit entries. APPEND-ONLY.
type CreditStore interface {
	// AppendCredit persists entry if the unit currently has exactly
	// expectedEntries entries, else ErrConcurrentModification.
	AppendCredit(ctx context.Context, entry CreditEntry, expectedEntries int) error

	// LoadCredit returns the unit's entries in append order.
	LoadCredit(ctx context.Context, unit UnitRef) ([]CreditEntry, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	DocumentStore
	LedgerStore
	CreditStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore is a Store that can run several writes atomically.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
