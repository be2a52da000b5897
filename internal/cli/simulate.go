package cli

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/jidegrand/travelcart/internal/app"
)

var (
	simulateOrigin      string
	simulateDestination string
	simulateDeparture   string
	simulateTarget      string
	simulatePrices      []float64
	simulateSeats       int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Replay a scripted fare sequence and show signals and notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulatePrices) == 0 {
			return errors.New("--prices must list at least one fare")
		}

		opts := app.SimulateOptions{
			Origin:        simulateOrigin,
			Destination:   simulateDestination,
			DepartureDate: time.Now().UTC().AddDate(0, 0, 60),
		}
		if simulateDeparture != "" {
			departure, err := parseDate("depart", simulateDeparture)
			if err != nil {
				return err
			}
			opts.DepartureDate = departure
		}
		for _, p := range simulatePrices {
			if p <= 0 {
				return errors.New("--prices must all be greater than 0")
			}
			opts.Prices = append(opts.Prices, decimal.NewFromFloat(p))
		}
		target, err := parseOptionalDecimal("target", simulateTarget)
		if err != nil {
			return err
		}
		opts.TargetPrice = target
		if simulateSeats > 0 {
			seats := simulateSeats
			opts.Seats = &seats
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOrigin, "from", "JFK", "Origin IATA code")
	simulateCmd.Flags().StringVar(&simulateDestination, "to", "LHR", "Destination IATA code")
	simulateCmd.Flags().StringVar(&simulateDeparture, "depart", "", "Departure date (YYYY-MM-DD), defaults to 60 days out")
	simulateCmd.Flags().StringVar(&simulateTarget, "target", "", "Target price (defaults to 88% of the first fare)")
	simulateCmd.Flags().Float64SliceVar(&simulatePrices, "prices", nil, "Comma separated fares, one per check")
	simulateCmd.Flags().IntVar(&simulateSeats, "seats", 0, "Bookable seats to report with every quote")
}
