// Package cmd provides the commands of billctl, the operator CLI of the
// unit billing engine. Every command runs the engine in process against
// the SQLite database the server uses.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/config"
	"github.com/warp/unit-billing/factory"
	"github.com/warp/unit-billing/logging"
	"github.com/warp/unit-billing/store/sqlite"
)

var (
	cfgFile      string
	dbPath       string
	outputFormat string
	verbose      bool
)

// env is the engine wiring shared by all subcommands.
type env struct {
	logger      *zap.Logger
	store       *sqlite.Store
	registry    *factory.Registry
	loader      *billing.Loader
	ledger      billing.Ledger
	credit      *billing.CreditLedger
	projections *billing.ProjectionEngine
	payments    *billing.PaymentService
	reconciler  *billing.Reconciler
}

var app *env

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "billctl",
	Short: "Operate unit bills, payments and credit",
	Long: `billctl projects, pays and reconciles the bills of a unit.

It opens the same SQLite database and client configuration as the server.

Examples:
  billctl project maple-court 12B --as-of 2025-03-31
  billctl pay maple-court 12B --id chq-1042 --amount 1250.00 --date 2025-03-31
  billctl reconcile maple-court 12B
  billctl credit show maple-court 12B`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(creditCmd)
	rootCmd.AddCommand(billsCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("client configs: %w", err)
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	loader := registry.Loader(store)
	ledger := billing.NewLedger(store)
	credit := billing.NewCreditLedger(store)
	app = &env{
		logger:   logger,
		store:    store,
		registry: registry,
		loader:   loader,
		ledger:   ledger,
		credit:   credit,
		projections: &billing.ProjectionEngine{
			Loader:  loader,
			Ledger:  ledger,
			Credit:  credit,
			Configs: registry,
		},
		payments:   billing.NewPaymentService(store, loader, registry, logger),
		reconciler: billing.NewReconciler(loader, ledger, logger),
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if app == nil {
		return nil
	}
	app.logger.Sync()
	return app.store.Close()
}

// unitArgs parses the <client> <unit> positional arguments.
func unitArgs(args []string) billing.UnitRef {
	return billing.UnitRef{ClientID: billing.ClientID(args[0]), UnitID: billing.UnitID(args[1])}
}

func parseDateFlag(name, value string) (billing.Date, error) {
	if value == "" {
		return billing.Today(), nil
	}
	d, err := billing.ParseDate(value)
	if err != nil {
		return billing.Date{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

// printJSON writes v when --format json was requested and reports whether
// it did.
func printJSON(v any) (bool, error) {
	if outputFormat != "json" {
		return false, nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
