/*
Package factory converts client billing configuration documents into the
immutable values the billing engine is handed.

PURPOSE:
  Penalty rates, grace periods and fiscal calendars are set per client by
  operators, not in code. The factory parses their JSON (or the same shape
  inline in the server YAML), validates it and builds:
    - billing.PenaltyConfigs  (per domain)
    - billing.FiscalCalendar
    - dues.Settings

JSON SCHEMA:
  {
    "client_id": "maple-court",
    "fiscal_year_start_month": 7,
    "due_day_offset": 0,
    "dues_frequency": "quarterly",
    "penalties": {
      "recurring": {"rate": "0.05", "grace_days": 10},
      "metered":   {"rate": "0.02", "grace_days": 15}
    }
  }

MISSING IS MISSING:
  A domain absent from "penalties" is NOT defaulted. The penalty calculator
  fails with ErrMissingConfig for that domain's overdue bills, so a
  forgotten config never silently means "no penalty".

USAGE:
  f := factory.NewConfigFactory()
  cfg, err := f.ParseClientConfig(data)

  reg := factory.NewRegistry()
  reg.Add(cfg)
  engine := &billing.ProjectionEngine{Configs: reg, ...}

SEE ALSO:
  - billing/penalty.go: PenaltyConfig
  - config: Server config embedding client documents
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/dues"
	"github.com/warp/unit-billing/utilities"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ClientConfigJSON is the document representation of a client's billing config.
type ClientConfigJSON struct {
	ClientID             string                 `json:"client_id" yaml:"client_id"`
	FiscalYearStartMonth int                    `json:"fiscal_year_start_month,omitempty" yaml:"fiscal_year_start_month"`
	DueDayOffset         int                    `json:"due_day_offset,omitempty" yaml:"due_day_offset"`
	DuesFrequency        string                 `json:"dues_frequency,omitempty" yaml:"dues_frequency"`
	Penalties            map[string]PenaltyJSON `json:"penalties,omitempty" yaml:"penalties"`
}

// PenaltyJSON is one domain's penalty rule. Rate is a decimal string so it
// never passes through a float.
type PenaltyJSON struct {
	Rate      string `json:"rate" yaml:"rate"`
	GraceDays int    `json:"grace_days" yaml:"grace_days"`
}

// ClientConfig is the validated, immutable configuration of one client.
type ClientConfig struct {
	ClientID  billing.ClientID
	Penalties billing.PenaltyConfigs
	Calendar  billing.FiscalCalendar
	Dues      dues.Settings
}

// =============================================================================
// CONFIG FACTORY
// =============================================================================

// ConfigFactory builds ClientConfig values from documents.
type ConfigFactory struct{}

func NewConfigFactory() *ConfigFactory {
	return &ConfigFactory{}
}

// ParseClientConfig parses a JSON client config document.
func (f *ConfigFactory) ParseClientConfig(data []byte) (*ClientConfig, error) {
	var doc ClientConfigJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid client config JSON: %w", err)
	}
	return f.FromJSON(doc)
}

// FromJSON validates a decoded document and builds the ClientConfig.
func (f *ConfigFactory) FromJSON(doc ClientConfigJSON) (*ClientConfig, error) {
	if strings.TrimSpace(doc.ClientID) == "" {
		return nil, fmt.Errorf("client config: client_id is required")
	}

	start := time.January
	if doc.FiscalYearStartMonth != 0 {
		if doc.FiscalYearStartMonth < 1 || doc.FiscalYearStartMonth > 12 {
			return nil, fmt.Errorf("client %s: fiscal_year_start_month %d out of range 1-12", doc.ClientID, doc.FiscalYearStartMonth)
		}
		start = time.Month(doc.FiscalYearStartMonth)
	}
	cal := billing.FiscalCalendar{StartMonth: start, DueDayOffset: doc.DueDayOffset}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("client %s: %w", doc.ClientID, err)
	}

	freq := dues.Frequency(doc.DuesFrequency)
	if freq == "" {
		freq = dues.FrequencyMonthly
	}
	settings := dues.Settings{Calendar: cal, Frequency: freq}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("client %s: %w", doc.ClientID, err)
	}

	penalties := make(billing.PenaltyConfigs, len(doc.Penalties))
	for name, pj := range doc.Penalties {
		domain := billing.Domain(name)
		if !domain.Valid() {
			return nil, fmt.Errorf("client %s: unknown billing domain %q", doc.ClientID, name)
		}
		rate, err := decimal.NewFromString(pj.Rate)
		if err != nil {
			return nil, fmt.Errorf("client %s: %s penalty rate %q: %w", doc.ClientID, name, pj.Rate, err)
		}
		pc := billing.PenaltyConfig{Rate: rate, GraceDays: pj.GraceDays}
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("client %s: %s: %w", doc.ClientID, name, err)
		}
		penalties[domain] = pc
	}

	return &ClientConfig{
		ClientID:  billing.ClientID(doc.ClientID),
		Penalties: penalties,
		Calendar:  cal,
		Dues:      settings,
	}, nil
}

// =============================================================================
// REGISTRY - Lookup by client for the engine and bill sources
// =============================================================================

// Registry holds the configs of all known clients. Populate it at startup;
// it is read-only afterwards.
type Registry struct {
	clients map[billing.ClientID]*ClientConfig
}

var _ billing.ConfigSource = (*Registry)(nil)

func NewRegistry(configs ...*ClientConfig) *Registry {
	r := &Registry{clients: make(map[billing.ClientID]*ClientConfig)}
	for _, c := range configs {
		r.Add(c)
	}
	return r
}

// Add registers or replaces a client config.
func (r *Registry) Add(cfg *ClientConfig) {
	r.clients[cfg.ClientID] = cfg
}

// Client returns a client's config.
func (r *Registry) Client(id billing.ClientID) (*ClientConfig, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// Clients returns the registered client ids in order.
func (r *Registry) Clients() []billing.ClientID {
	ids := make([]billing.ClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PenaltyConfigs implements billing.ConfigSource.
func (r *Registry) PenaltyConfigs(_ context.Context, client billing.ClientID) (billing.PenaltyConfigs, error) {
	c, ok := r.clients[client]
	if !ok {
		return nil, nil
	}
	return c.Penalties, nil
}

// DuesSettings is a dues.SettingsLookup.
func (r *Registry) DuesSettings(client billing.ClientID) (dues.Settings, bool) {
	c, ok := r.clients[client]
	if !ok {
		return dues.Settings{}, false
	}
	return c.Dues, true
}

// Calendar is a utilities.CalendarLookup.
func (r *Registry) Calendar(client billing.ClientID) (billing.FiscalCalendar, bool) {
	c, ok := r.clients[client]
	if !ok {
		return billing.FiscalCalendar{}, false
	}
	return c.Calendar, true
}

// Loader builds the bill loader over store with every billing domain,
// each looking up its per-client settings in the registry.
func (r *Registry) Loader(store billing.DocumentStore) *billing.Loader {
	return billing.NewLoader(
		dues.NewSource(store, r.DuesSettings),
		utilities.NewSource(store, r.Calendar),
	)
}

// LoadDir parses every *.json file in dir into the registry.
func (r *Registry) LoadDir(f *ConfigFactory, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read client config %s: %w", p, err)
		}
		cfg, err := f.ParseClientConfig(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		r.Add(cfg)
	}
	return nil
}
