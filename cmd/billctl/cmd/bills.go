// Package cmd - bills commands
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/unit-billing/api"
	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/dues"
	"github.com/warp/unit-billing/utilities"
)

var billsDomain string

// billsCmd groups the bill document commands
var billsCmd = &cobra.Command{
	Use:   "bills",
	Short: "List or import a unit's bill documents",
}

var billsListCmd = &cobra.Command{
	Use:   "list <client> <unit>",
	Short: "List the unit's bills as stored (penalties not refreshed)",
	Args:  cobra.ExactArgs(2),
	RunE:  runBillsList,
}

var billsImportCmd = &cobra.Command{
	Use:   "import <client> <unit> <file.json>",
	Short: "Create or replace bill documents from a JSON array",
	Long: `Import raw bill documents of one domain for a unit. The file holds a
JSON array of dues records (--domain recurring) or meter charges
(--domain metered). Existing documents for the same month are replaced.

Paid amounts in imported documents are NOT backed by the payment ledger;
run reconcile afterwards to see them flagged.`,
	Args: cobra.ExactArgs(3),
	RunE: runBillsImport,
}

func init() {
	billsImportCmd.Flags().StringVar(&billsDomain, "domain", string(billing.DomainRecurring), "billing domain (recurring, metered)")

	billsCmd.AddCommand(billsListCmd)
	billsCmd.AddCommand(billsImportCmd)
}

func runBillsList(cmd *cobra.Command, args []string) error {
	bills, err := app.loader.Load(cmd.Context(), unitArgs(args), nil)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		dtos := make([]api.BillDTO, 0, len(bills))
		for _, b := range bills {
			dtos = append(dtos, api.ToBillDTO(b))
		}
		_, err := printJSON(dtos)
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "BILL\tCOHORT\tDUE\tPRINCIPAL\tPENALTY\tPAID\tSTATUS\t")
	for _, b := range bills {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			b.ID, b.Cohort(), b.DueDate, b.PrincipalDue, b.PenaltyDue, b.TotalPaid(), b.Status())
	}
	return tw.Flush()
}

func runBillsImport(cmd *cobra.Command, args []string) error {
	unit := unitArgs(args)
	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}

	var paths []string
	switch billing.Domain(billsDomain) {
	case billing.DomainRecurring:
		var records []dues.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("%s: %w", args[2], err)
		}
		src := dues.NewSource(app.store, app.registry.DuesSettings)
		for _, rec := range records {
			p, err := src.Put(cmd.Context(), unit, rec)
			if err != nil {
				return err
			}
			paths = append(paths, p)
		}
	case billing.DomainMetered:
		var charges []utilities.MeterCharge
		if err := json.Unmarshal(data, &charges); err != nil {
			return fmt.Errorf("%s: %w", args[2], err)
		}
		src := utilities.NewSource(app.store, app.registry.Calendar)
		for _, c := range charges {
			p, err := src.Put(cmd.Context(), unit, c)
			if err != nil {
				return err
			}
			paths = append(paths, p)
		}
	default:
		return fmt.Errorf("unknown domain %q", billsDomain)
	}

	for _, p := range paths {
		fmt.Println(p)
	}
	fmt.Printf("Imported %d document(s)\n", len(paths))
	return nil
}
