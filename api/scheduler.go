/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Periodically reconciles every unit that has stored bill documents, so
  partial commits and manual edits surface in logs and metrics without
  waiting for someone to call the reconciliation endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Discovers units by listing documents under clients/{client}/units/
  - Read-only: a sweep never repairs anything, it only reports
  - Keeps the summary of the last sweep for the status endpoint

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(handler, registry.Clients)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetReconciliation endpoint (single unit, on demand)
  - billing/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/unit-billing/billing"
)

// SweepSummary describes one reconciliation sweep.
type SweepSummary struct {
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	UnitsChecked  int       `json:"units_checked"`
	UnitsDetected int       `json:"units_detected"`
	Discrepancies int       `json:"discrepancies"`
	Orphans       int       `json:"orphans"`
	Failures      int       `json:"failures"`

	// Units whose report was not clean, as client/unit keys.
	Flagged []string `json:"flagged,omitempty"`

	// Set when served: when the next sweep is due.
	NextRunAt time.Time `json:"next_run_at"`
}

// ReconciliationScheduler sweeps all known units on a ticker.
type ReconciliationScheduler struct {
	Handler       *Handler
	Clients       func() []billing.ClientID
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *SweepSummary
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(handler *Handler, clients func() []billing.ClientID) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Handler:       handler,
		Clients:       clients,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

func (rs *ReconciliationScheduler) logger() *zap.Logger {
	if rs.Handler != nil && rs.Handler.Logger != nil {
		return rs.Handler.Logger
	}
	return zap.NewNop()
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger().Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.logger().Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger().Info("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one sweep and returns its summary.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) SweepSummary {
	logger := rs.logger()
	summary := SweepSummary{StartedAt: time.Now()}

	var clients []billing.ClientID
	if rs.Clients != nil {
		clients = rs.Clients()
	}

	for _, client := range clients {
		units, err := listUnits(ctx, rs.Handler.Store, client)
		if err != nil {
			logger.Error("list units failed", zap.String("client", string(client)), zap.Error(err))
			summary.Failures++
			continue
		}

		for _, unit := range units {
			report, err := rs.Handler.Reconciler.ReconcileUnit(ctx, unit)
			summary.UnitsChecked++
			if err != nil {
				logger.Error("reconcile unit failed", zap.String("unit", unit.Key()), zap.Error(err))
				summary.Failures++
				continue
			}
			summary.Discrepancies += len(report.Discrepancies)
			summary.Orphans += len(report.Orphans)
			if report.Detected {
				summary.UnitsDetected++
			}
			if report.Detected || len(report.Orphans) > 0 {
				summary.Flagged = append(summary.Flagged, unit.Key())
			}
		}
	}

	summary.CompletedAt = time.Now()
	rs.lastMu.Lock()
	rs.last = &summary
	rs.lastMu.Unlock()

	logger.Info("reconciliation sweep completed",
		zap.Int("units", summary.UnitsChecked),
		zap.Int("detected", summary.UnitsDetected),
		zap.Int("orphans", summary.Orphans),
		zap.Int("failures", summary.Failures),
		zap.Duration("took", summary.CompletedAt.Sub(summary.StartedAt)),
	)
	return summary
}

// LastRun returns the summary of the most recent sweep, if any.
func (rs *ReconciliationScheduler) LastRun() (SweepSummary, bool) {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	if rs.last == nil {
		return SweepSummary{}, false
	}
	return *rs.last, true
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	if rs.last == nil {
		return time.Now()
	}
	return rs.last.StartedAt.Add(rs.CheckInterval)
}

// GetLastSweep returns the last sweep summary.
// GET /api/reconciliation/sweeps/last
func (rs *ReconciliationScheduler) GetLastSweep(w http.ResponseWriter, r *http.Request) {
	last, ok := rs.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no sweep has run yet", nil)
		return
	}
	last.NextRunAt = rs.GetNextRunTime()
	writeJSON(w, http.StatusOK, last)
}

// listUnits returns the units of client that have at least one stored
// document, ordered by unit id.
func listUnits(ctx context.Context, docs billing.DocumentStore, client billing.ClientID) ([]billing.UnitRef, error) {
	prefix := "clients/" + string(client) + "/units/"
	found, err := docs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[billing.UnitID]bool)
	for _, doc := range found {
		rest := strings.TrimPrefix(doc.Path, prefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		seen[billing.UnitID(id)] = true
	}

	units := make([]billing.UnitRef, 0, len(seen))
	for id := range seen {
		units = append(units, billing.UnitRef{ClientID: client, UnitID: id})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].UnitID < units[j].UnitID })
	return units, nil
}
