package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/jidegrand/travelcart/internal/storage"
)

// Export renders a watch's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	return a.export(ctx, store, opts)
}

func (a *App) export(ctx context.Context, repo storage.Repository, opts ExportOptions) error {
	if opts.WatchID == "" {
		return errors.New("a watch id is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	watch, err := repo.GetWatch(ctx, opts.WatchID)
	if err != nil {
		return err
	}

	to := time.Now().UTC().Add(time.Second)
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := time.Unix(0, 0).UTC()
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := repo.ListSamplesBetween(ctx, watch.ID, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("watch_id", watch.ID).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Str("watch_id", watch.ID).Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, watch, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			return errors.New("at least two samples are needed to draw a chart")
		}
		if err := writeSamplesPNG(opts.PNGPath, watch, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.PriceSample, max int) []storage.PriceSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.PriceSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, watch storage.Watch, samples []storage.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"recorded_at", "route", "price", "currency", "seats_available", "target_price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		seats := ""
		if sample.SeatsAvailable != nil {
			seats = strconv.Itoa(*sample.SeatsAvailable)
		}
		record := []string{
			sample.RecordedAt.UTC().Format(time.RFC3339),
			watch.Origin + "-" + watch.Destination,
			sample.Price.StringFixed(2),
			watch.Currency,
			seats,
			watch.TargetPrice.StringFixed(2),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path string, watch storage.Watch, samples []storage.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	prices := make([]float64, len(samples))
	target := make([]float64, len(samples))
	goal := watch.TargetPrice.InexactFloat64()
	for i, sample := range samples {
		x[i] = sample.RecordedAt
		prices[i] = sample.Price.InexactFloat64()
		target[i] = goal
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  watch.Route() + " " + watch.DepartureDate.Format(time.DateOnly),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fare (" + watch.Currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fare",
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Target",
				XValues: x,
				YValues: target,
				Style: chart.Style{
					StrokeDashArray: []float64{5, 5},
				},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
