// Package cmd - reconcile command
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/unit-billing/api"
	"github.com/warp/unit-billing/billing"
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile <client> <unit>",
	Short: "Compare a unit's bill documents with its payment ledger",
	Long: `Sum the ledger allocations of every bill and compare them with the paid
amounts stored on the bill documents. The ledger is the source of truth;
a mismatch means a bill document is stale or was edited by hand.

Exits non-zero when a discrepancy is found.`,
	Args: cobra.ExactArgs(2),
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	report, err := app.reconciler.ReconcileUnit(cmd.Context(), unitArgs(args))
	if err != nil {
		return err
	}
	if ok, err := printJSON(api.ToReconciliationDTO(*report)); ok || err != nil {
		if err == nil && report.Detected {
			return fmt.Errorf("%d discrepancies", len(report.Discrepancies))
		}
		return err
	}

	fmt.Printf("Checked %d bill(s)\n", report.BillsChecked)
	if !report.Detected && len(report.Orphans) == 0 {
		fmt.Println("No discrepancies.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nBILL\tSTORED\tLEDGER\tDELTA\tCAUSE")
	row := func(d billing.Discrepancy) {
		cause := d.SuspectedCause.Description()
		if d.NoAllocationsFound {
			cause += " (no allocations found)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.BillID, d.StoredPaid, d.AllocatedPaid, d.Delta, cause)
	}
	for _, d := range report.Discrepancies {
		row(d)
	}
	for _, o := range report.Orphans {
		row(o)
	}
	tw.Flush()

	if report.Detected {
		return fmt.Errorf("%d discrepancies", len(report.Discrepancies))
	}
	return nil
}
