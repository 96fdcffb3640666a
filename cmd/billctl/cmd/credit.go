// Package cmd - credit commands
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/unit-billing/api"
	"github.com/warp/unit-billing/billing"
)

var creditReference string

// creditCmd groups the credit ledger commands
var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Show or adjust a unit's credit",
}

var creditShowCmd = &cobra.Command{
	Use:   "show <client> <unit>",
	Short: "Show the credit balance and its history",
	Args:  cobra.ExactArgs(2),
	RunE:  runCreditShow,
}

var creditAdjustCmd = &cobra.Command{
	Use:   "adjust <client> <unit> <amount>",
	Short: "Append an operator adjustment (negative amounts remove credit)",
	Long: `Append an adjustment entry to the unit's credit ledger. Entries are
never edited; a mistaken adjustment is corrected by another one.

Examples:
  billctl credit adjust maple-court 12B 50.00 --reference goodwill-2025-03
  billctl credit adjust maple-court 12B -- -50.00 --reference reverse-goodwill`,
	Args: cobra.ExactArgs(3),
	RunE: runCreditAdjust,
}

func init() {
	creditAdjustCmd.Flags().StringVar(&creditReference, "reference", "", "reason or ticket for the adjustment (required)")
	creditAdjustCmd.MarkFlagRequired("reference")

	creditCmd.AddCommand(creditShowCmd)
	creditCmd.AddCommand(creditAdjustCmd)
}

func runCreditShow(cmd *cobra.Command, args []string) error {
	history, err := app.credit.History(cmd.Context(), unitArgs(args))
	if err != nil {
		return err
	}
	balance := billing.SumCredit(history)
	if ok, err := printJSON(api.CreditDTO{Balance: balance.String(), History: api.ToCreditEntryDTOs(history)}); ok || err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tAMOUNT\tREASON\tREFERENCE")
	for _, e := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Amount, e.Reason, e.ReferenceID)
	}
	tw.Flush()
	fmt.Printf("\nBalance: %s\n", balance)
	return nil
}

func runCreditAdjust(cmd *cobra.Command, args []string) error {
	amount, err := billing.ParseMoney(args[2])
	if err != nil {
		return err
	}
	entry, err := app.payments.AdjustCredit(cmd.Context(), unitArgs(args[:2]), amount, creditReference)
	if err != nil {
		return err
	}
	if ok, err := printJSON(api.ToCreditEntryDTOs([]billing.CreditEntry{entry})[0]); ok || err != nil {
		return err
	}
	fmt.Printf("Adjusted credit by %s (entry %s)\n", entry.Amount, entry.ID)
	return nil
}
