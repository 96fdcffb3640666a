// Package cmd - project command
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/unit-billing/api"
	"github.com/warp/unit-billing/billing"
)

var (
	projectAsOf    string
	projectWaive   []string
	projectExclude []string
)

// projectCmd represents the project command
var projectCmd = &cobra.Command{
	Use:   "project <client> <unit>",
	Short: "Show what a unit owes as of a date",
	Long: `Build the payment-ready projection of a unit: every bill with its
penalty refreshed as of the date, available credit and net amount due.

Examples:
  billctl project maple-court 12B
  billctl project maple-court 12B --as-of 2025-06-30
  billctl project maple-court 12B --waive recurring:2025-01:25.00 --exclude metered:2025-02`,
	Args: cobra.ExactArgs(2),
	RunE: runProject,
}

func init() {
	projectCmd.Flags().StringVar(&projectAsOf, "as-of", "", "projection date YYYY-MM-DD (default today)")
	projectCmd.Flags().StringArrayVar(&projectWaive, "waive", nil, "waive penalty, <bill_id>:<amount> (repeatable)")
	projectCmd.Flags().StringSliceVar(&projectExclude, "exclude", nil, "bill ids to leave out")
}

func runProject(cmd *cobra.Command, args []string) error {
	asOf, err := parseDateFlag("as-of", projectAsOf)
	if err != nil {
		return err
	}
	opts, err := projectionOptions(projectWaive, projectExclude)
	if err != nil {
		return err
	}

	proj, err := app.projections.Project(cmd.Context(), unitArgs(args), asOf, opts)
	if err != nil {
		return err
	}
	if ok, err := printJSON(api.ToProjectionDTO(proj)); ok || err != nil {
		return err
	}
	printProjection(proj)
	return nil
}

func projectionOptions(waive, exclude []string) (billing.ProjectionOptions, error) {
	var opts billing.ProjectionOptions
	for _, w := range waive {
		id, amount, err := billing.ParseWaiver(w)
		if err != nil {
			return opts, err
		}
		if opts.WaivedPenalties == nil {
			opts.WaivedPenalties = make(map[billing.BillID]billing.Money)
		}
		opts.WaivedPenalties[id] += amount
	}
	for _, id := range exclude {
		opts.ExcludedBills = append(opts.ExcludedBills, billing.BillID(id))
	}
	return opts, nil
}

func printProjection(p *billing.Projection) {
	fmt.Printf("Unit %s as of %s\n\n", p.Unit, p.AsOf)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "BILL\tDUE\tPRINCIPAL\tPENALTY\tPAID\tREMAINING\tSTATUS\t")
	for _, pb := range p.Bills {
		b := pb.Bill
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			b.ID, b.DueDate, b.PrincipalDue, b.PenaltyDue, b.TotalPaid(), pb.Remaining, pb.Status)
	}
	tw.Flush()

	fmt.Printf("\nRemaining:  %s\n", p.TotalRemaining)
	fmt.Printf("Credit:     %s\n", p.AvailableCredit)
	fmt.Printf("Net due:    %s\n", p.NetDue)
	if len(p.ExcludedBillIDs) > 0 {
		fmt.Printf("Excluded:   %v\n", p.ExcludedBillIDs)
	}
	if p.Discrepancy.Detected {
		fmt.Printf("\nWARNING: %d bill(s) disagree with the payment ledger; run `billctl reconcile`.\n",
			len(p.Discrepancy.Discrepancies))
	}
}
