// Package cmd - pay command
package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/unit-billing/api"
	"github.com/warp/unit-billing/billing"
)

var (
	payID        string
	payAmount    string
	payDate      string
	payReference string
	payPreview   bool
	payWaive     []string
	payExclude   []string
)

// payCmd represents the pay command
var payCmd = &cobra.Command{
	Use:   "pay <client> <unit>",
	Short: "Record (or preview) a payment for a unit",
	Long: `Distribute a payment over the unit's bills, oldest cohort first, and
record it. Money left over becomes credit.

Payment ids are unique per unit: re-running the same command is rejected
as a duplicate instead of charging twice.

Examples:
  billctl pay maple-court 12B --id chq-1042 --amount 1250.00 --preview
  billctl pay maple-court 12B --id chq-1042 --amount 1250.00 --date 2025-03-31`,
	Args: cobra.ExactArgs(2),
	RunE: runPay,
}

func init() {
	payCmd.Flags().StringVar(&payID, "id", "", "payment id (required)")
	payCmd.Flags().StringVar(&payAmount, "amount", "", "payment amount, e.g. 1250.00 (required)")
	payCmd.Flags().StringVar(&payDate, "date", "", "payment date YYYY-MM-DD (default today)")
	payCmd.Flags().StringVar(&payReference, "reference", "", "external reference (cheque, bank ref)")
	payCmd.Flags().BoolVar(&payPreview, "preview", false, "show the distribution without recording")
	payCmd.Flags().StringArrayVar(&payWaive, "waive", nil, "waive penalty, <bill_id>:<amount> (repeatable)")
	payCmd.Flags().StringSliceVar(&payExclude, "exclude", nil, "bill ids to leave out")
	payCmd.MarkFlagRequired("id")
	payCmd.MarkFlagRequired("amount")
}

func runPay(cmd *cobra.Command, args []string) error {
	amount, err := billing.ParseMoney(payAmount)
	if err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	date, err := parseDateFlag("date", payDate)
	if err != nil {
		return err
	}
	opts, err := projectionOptions(payWaive, payExclude)
	if err != nil {
		return err
	}

	payment := billing.Payment{
		ID:        billing.PaymentID(payID),
		Unit:      unitArgs(args),
		Amount:    amount,
		Date:      date,
		Reference: payReference,
	}

	var outcome *billing.PaymentOutcome
	if payPreview {
		outcome, err = app.payments.Preview(cmd.Context(), payment, opts)
	} else {
		outcome, err = app.payments.Record(cmd.Context(), payment, opts)
	}
	if err != nil {
		var ce *billing.CommitError
		if errors.As(err, &ce) && ce.Committed {
			fmt.Fprintln(os.Stderr, "Payment partially written. Run `billctl reconcile` before retrying.")
		}
		return err
	}

	if ok, err := printJSON(api.ToPaymentResponse(outcome, !payPreview)); ok || err != nil {
		return err
	}
	printDistribution(outcome, !payPreview)
	return nil
}

func printDistribution(o *billing.PaymentOutcome, recorded bool) {
	d := o.Distribution
	if recorded {
		fmt.Printf("Recorded payment %s (transaction %s)\n\n", o.Payment.ID, o.Record.TransactionID)
	} else {
		fmt.Printf("Preview of payment %s (nothing written)\n\n", o.Payment.ID)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "BILL\tCOHORT\tPENALTY\tPRINCIPAL\tSTATUS\t")
	for _, bp := range d.BillPayments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s -> %s\t\n",
			bp.BillID, bp.CohortKey, bp.PenaltyApplied, bp.PrincipalApplied, bp.PreviousStatus, bp.NewStatus)
	}
	tw.Flush()

	fmt.Printf("\nPayment:      %s\n", d.PaymentAmount)
	fmt.Printf("Credit used:  %s\n", d.CreditUsed)
	fmt.Printf("Applied:      %s\n", d.TotalApplied)
	fmt.Printf("Overpayment:  %s\n", d.Overpayment)
	fmt.Printf("New credit:   %s\n", d.NewCreditBalance)
	if d.BlockedCohort != "" {
		fmt.Printf("\nCohort %s not paid: %s short.\n", d.BlockedCohort, d.Shortfall)
	}
}
