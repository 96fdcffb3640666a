// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/unit-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	documents map[string]billing.Document
	payments  map[string][]billing.PaymentRecord
	paymentID map[string]map[billing.PaymentID]bool
	credit    map[string][]billing.CreditEntry
}

func newState() memoryState {
	return memoryState{
		documents: make(map[string]billing.Document),
		payments:  make(map[string][]billing.PaymentRecord),
		paymentID: make(map[string]map[billing.PaymentID]bool),
		credit:    make(map[string][]billing.CreditEntry),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func (m *Memory) Get(_ context.Context, path string) (billing.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.get(path)
}

func (m *Memory) List(_ context.Context, prefix string) ([]billing.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.list(prefix), nil
}

func (m *Memory) Set(_ context.Context, path string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.set(path, data), nil
}

func (m *Memory) Update(_ context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.update(path, data, expectedVersion)
}

// AppendPayment adds a payment record. Append-only.
func (m *Memory) AppendPayment(_ context.Context, rec billing.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendPayment(rec)
}

func (m *Memory) LoadPayments(_ context.Context, unit billing.UnitRef) ([]billing.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadPayments(unit), nil
}

func (m *Memory) PaymentExists(_ context.Context, unit billing.UnitRef, id billing.PaymentID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.paymentID[unit.Key()][id], nil
}

// AppendCredit adds a credit entry if the history length matches. Append-only.
func (m *Memory) AppendCredit(_ context.Context, entry billing.CreditEntry, expectedEntries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendCredit(entry, expectedEntries)
}

func (m *Memory) LoadCredit(_ context.Context, unit billing.UnitRef) ([]billing.CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadCredit(unit), nil
}

// =============================================================================
// STATE - Unlocked operations shared by Memory and the transactional view
// =============================================================================

func (s *memoryState) get(path string) (billing.Document, error) {
	doc, ok := s.documents[path]
	if !ok {
		return billing.Document{}, billing.ErrDocumentNotFound
	}
	doc.Data = append([]byte(nil), doc.Data...)
	return doc, nil
}

func (s *memoryState) list(prefix string) []billing.Document {
	var docs []billing.Document
	for path, doc := range s.documents {
		if strings.HasPrefix(path, prefix) {
			doc.Data = append([]byte(nil), doc.Data...)
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs
}

func (s *memoryState) set(path string, data []byte) int64 {
	version := s.documents[path].Version + 1
	s.documents[path] = billing.Document{
		Path:      path,
		Data:      append([]byte(nil), data...),
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
	return version
}

func (s *memoryState) update(path string, data []byte, expectedVersion int64) (int64, error) {
	doc, ok := s.documents[path]
	if !ok {
		return 0, billing.ErrDocumentNotFound
	}
	if doc.Version != expectedVersion {
		return 0, billing.ErrConcurrentModification
	}
	return s.set(path, data), nil
}

func (s *memoryState) appendPayment(rec billing.PaymentRecord) error {
	k := rec.Unit.Key()
	if s.paymentID[k][rec.PaymentID] {
		return billing.ErrDuplicatePayment
	}
	if s.paymentID[k] == nil {
		s.paymentID[k] = make(map[billing.PaymentID]bool)
	}
	rec.Allocations = append([]billing.Allocation(nil), rec.Allocations...)

	// Keep records ordered by RecordedAt; equal timestamps keep append order.
	recs := s.payments[k]
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].RecordedAt.After(rec.RecordedAt)
	})
	recs = append(recs, billing.PaymentRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	s.payments[k] = recs
	s.paymentID[k][rec.PaymentID] = true
	return nil
}

func (s *memoryState) loadPayments(unit billing.UnitRef) []billing.PaymentRecord {
	recs := s.payments[unit.Key()]
	out := make([]billing.PaymentRecord, len(recs))
	for i, r := range recs {
		r.Allocations = append([]billing.Allocation(nil), r.Allocations...)
		out[i] = r
	}
	return out
}

func (s *memoryState) appendCredit(entry billing.CreditEntry, expectedEntries int) error {
	k := entry.Unit.Key()
	if len(s.credit[k]) != expectedEntries {
		return billing.ErrConcurrentModification
	}
	s.credit[k] = append(s.credit[k], entry)
	return nil
}

func (s *memoryState) loadCredit(unit billing.UnitRef) []billing.CreditEntry {
	entries := s.credit[unit.Key()]
	return append([]billing.CreditEntry(nil), entries...)
}

func (s *memoryState) clone() memoryState {
	c := newState()
	for k, v := range s.documents {
		c.documents[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = append([]billing.PaymentRecord(nil), v...)
	}
	for k, v := range s.paymentID {
		ids := make(map[billing.PaymentID]bool, len(v))
		for id := range v {
			ids[id] = true
		}
		c.paymentID[k] = ids
	}
	for k, v := range s.credit {
		c.credit[k] = append([]billing.CreditEntry(nil), v...)
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

// txMemoryView runs operations against the locked parent state.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) Get(_ context.Context, path string) (billing.Document, error) {
	return tv.state.get(path)
}

func (tv *txMemoryView) List(_ context.Context, prefix string) ([]billing.Document, error) {
	return tv.state.list(prefix), nil
}

func (tv *txMemoryView) Set(_ context.Context, path string, data []byte) (int64, error) {
	return tv.state.set(path, data), nil
}

func (tv *txMemoryView) Update(_ context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	return tv.state.update(path, data, expectedVersion)
}

func (tv *txMemoryView) AppendPayment(_ context.Context, rec billing.PaymentRecord) error {
	return tv.state.appendPayment(rec)
}

func (tv *txMemoryView) LoadPayments(_ context.Context, unit billing.UnitRef) ([]billing.PaymentRecord, error) {
	return tv.state.loadPayments(unit), nil
}

func (tv *txMemoryView) PaymentExists(_ context.Context, unit billing.UnitRef, id billing.PaymentID) (bool, error) {
	return tv.state.paymentID[unit.Key()][id], nil
}

func (tv *txMemoryView) AppendCredit(_ context.Context, entry billing.CreditEntry, expectedEntries int) error {
	return tv.state.appendCredit(entry, expectedEntries)
}

func (tv *txMemoryView) LoadCredit(_ context.Context, unit billing.UnitRef) ([]billing.CreditEntry, error) {
	return tv.state.loadCredit(unit), nil
}
