package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"card-deal-alerts/internal/listing"
)

var (
	simulateCategory string
	simulatePrice    float64
	simulateAltValue float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic deal through the alert pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateAltValue <= 0 {
			return errors.New("--price and --alt-value must be greater than 0")
		}

		price := decimal.NewFromFloat(simulatePrice)
		altValue := decimal.NewFromFloat(simulateAltValue)
		return getApp().SimulateAlert(cmd.Context(), simulateCategory, price, altValue)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCategory, "category", listing.CategoryAutoBuy, "Category tag for the synthetic listing")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Listing price in SOL")
	simulateCmd.Flags().Float64Var(&simulateAltValue, "alt-value", 0, "Estimated raw value in USD")
}
