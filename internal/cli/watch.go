package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/jidegrand/travelcart/internal/service"
	"github.com/jidegrand/travelcart/internal/storage"
)

var (
	watchOrigin      string
	watchDestination string
	watchDeparture   string
	watchReturn      string
	watchTravelers   int
	watchCurrency    string
	watchTarget      string

	holdActive  bool
	holdPrice   string
	holdFee     string
	holdExpires string
	holdClear   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage fare watches",
}

var watchAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Price a route and start watching it",
	RunE: func(cmd *cobra.Command, args []string) error {
		departure, err := parseDate("departure", watchDeparture)
		if err != nil {
			return err
		}
		in := service.NewWatch{
			Origin:        watchOrigin,
			Destination:   watchDestination,
			DepartureDate: departure,
			Travelers:     watchTravelers,
			Currency:      watchCurrency,
		}
		if watchReturn != "" {
			ret, err := parseDate("return", watchReturn)
			if err != nil {
				return err
			}
			in.ReturnDate = &ret
		}
		if in.TargetPrice, err = parseOptionalDecimal("target", watchTarget); err != nil {
			return err
		}
		return getApp().AddWatch(cmd.Context(), in)
	},
}

var watchUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the target price or hold state of a watch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs, err := buildPreferences(cmd)
		if err != nil {
			return err
		}
		return getApp().UpdateWatch(cmd.Context(), args[0], prefs)
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop watching and delete history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveWatch(cmd.Context(), args[0])
	},
}

var watchGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a watch as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().GetWatch(cmd.Context(), args[0])
	},
}

func buildPreferences(cmd *cobra.Command) (storage.Preferences, error) {
	var prefs storage.Preferences
	target, err := parseOptionalDecimal("target", watchTarget)
	if err != nil {
		return prefs, err
	}
	prefs.TargetPrice = target

	flags := cmd.Flags()
	switch {
	case holdClear:
		prefs.Hold = &storage.HoldState{}
	case flags.Changed("hold"):
		hold := storage.HoldState{Active: holdActive}
		if p, err := parseOptionalDecimal("hold-price", holdPrice); err != nil {
			return prefs, err
		} else if p != nil {
			hold.Price = decimal.NewNullDecimal(*p)
		}
		if f, err := parseOptionalDecimal("hold-fee", holdFee); err != nil {
			return prefs, err
		} else if f != nil {
			hold.Fee = decimal.NewNullDecimal(*f)
		}
		if holdExpires != "" {
			exp, err := time.Parse(time.RFC3339, holdExpires)
			if err != nil {
				return prefs, fmt.Errorf("invalid --hold-expires value: %w", err)
			}
			hold.ExpiresAt = &exp
		}
		prefs.Hold = &hold
	}

	if prefs.TargetPrice == nil && prefs.Hold == nil {
		return prefs, fmt.Errorf("nothing to update; pass --target, --hold or --clear-hold")
	}
	return prefs, nil
}

func parseDate(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("--%s must be provided", name)
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value (want YYYY-MM-DD): %w", name, err)
	}
	return t, nil
}

func parseOptionalDecimal(name, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &d, nil
}

func init() {
	watchAddCmd.Flags().StringVar(&watchOrigin, "from", "", "Origin IATA code")
	watchAddCmd.Flags().StringVar(&watchDestination, "to", "", "Destination IATA code")
	watchAddCmd.Flags().StringVar(&watchDeparture, "depart", "", "Departure date (YYYY-MM-DD)")
	watchAddCmd.Flags().StringVar(&watchReturn, "return", "", "Return date (YYYY-MM-DD), omit for one-way")
	watchAddCmd.Flags().IntVar(&watchTravelers, "travelers", 1, "Number of adult travelers")
	watchAddCmd.Flags().StringVar(&watchCurrency, "currency", "", "Quote currency (defaults to provider.currency)")
	watchAddCmd.Flags().StringVar(&watchTarget, "target", "", "Target price (defaults to 88% of the first quote)")

	watchUpdateCmd.Flags().StringVar(&watchTarget, "target", "", "New target price")
	watchUpdateCmd.Flags().BoolVar(&holdActive, "hold", false, "Record a price hold as active")
	watchUpdateCmd.Flags().StringVar(&holdPrice, "hold-price", "", "Held fare")
	watchUpdateCmd.Flags().StringVar(&holdFee, "hold-fee", "", "Fee paid for the hold")
	watchUpdateCmd.Flags().StringVar(&holdExpires, "hold-expires", "", "Hold expiry (RFC3339)")
	watchUpdateCmd.Flags().BoolVar(&holdClear, "clear-hold", false, "Clear any recorded hold")

	watchCmd.AddCommand(watchAddCmd, watchUpdateCmd, watchRemoveCmd, watchGetCmd)
}
