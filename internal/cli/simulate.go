package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-presence-bot/internal/app"
)

var (
	simulatePrice  string
	simulateChange string
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Show the role, nickname and presence for a hypothetical price",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("--price must be a positive number, got %q", simulatePrice)
		}
		change, err := decimal.NewFromString(simulateChange)
		if err != nil {
			return fmt.Errorf("--change must be a number, got %q", simulateChange)
		}

		return getApp().Simulate(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			Price:  price,
			Change: change,
			Notify: simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Token price in the quote currency")
	simulateCmd.Flags().StringVar(&simulateChange, "change", "0", "24h change in percent")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Also send a test notification")
	_ = simulateCmd.MarkFlagRequired("price")
}
