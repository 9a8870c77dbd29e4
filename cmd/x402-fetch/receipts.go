package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	receiptsCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(receiptsCmd)
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "list recorded payments, oldest first",
	Args:  cobra.NoArgs,
	RunE:  doReceipts,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "remove cached receipts and payment history",
	Args:  cobra.NoArgs,
	RunE:  doClear,
}

func doReceipts(cmd *cobra.Command, args []string) error {
	c, err := newReceiptClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	receipts, err := c.ReceiptHistory(cmd.Context())
	if err != nil {
		return fmt.Errorf("read receipts: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PAID AT\tAMOUNT\tNETWORK\tTX HASH\tURL\n")
	for _, r := range receipts {
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\n",
			r.PaidAt.Format(time.RFC3339), r.Challenge.Amount, r.Challenge.Asset,
			r.Challenge.Network, r.TxHash, r.URL)
	}
	return tw.Flush()
}

func doClear(cmd *cobra.Command, args []string) error {
	c, err := newReceiptClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ClearCache(cmd.Context()); err != nil {
		return fmt.Errorf("clear receipts: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "receipts cleared")
	return nil
}
