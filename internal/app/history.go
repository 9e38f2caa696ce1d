package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"trade-warden/internal/storage"
)

// History prints recent evaluation history from the database.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch {
	case opts.Breaches:
		return printBreaches(ctx, store, opts.Limit)
	case opts.Alerts:
		return printAlerts(ctx, store, opts.Limit)
	default:
		return printSamples(ctx, store, opts.Limit)
	}
}

func printSamples(ctx context.Context, store storage.HistoryReader, limit int) error {
	samples, err := store.ListRecentSamples(ctx, limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUptime%\tError%\tP95 ms\tAvg Uptime%\tAvg Error%\tMax P95 ms")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			formatDecimal(sample.UptimePct, 2),
			formatDecimal(sample.ErrorRatePct, 2),
			formatDecimal(sample.LatencyP95MS, 1),
			formatDecimal(sample.AvgUptimePct, 2),
			formatDecimal(sample.AvgErrorRatePct, 2),
			formatDecimal(sample.MaxLatencyP95MS, 1),
		)
	}

	writer.Flush()
	return nil
}

func printBreaches(ctx context.Context, store storage.HistoryReader, limit int) error {
	breaches, err := store.ListRecentBreaches(ctx, limit)
	if err != nil {
		return err
	}
	if len(breaches) == 0 {
		fmt.Fprintln(os.Stdout, "no breaches found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBreach ID\tReasons\tAvg Uptime%\tAvg Error%\tMax P95 ms")

	for _, breach := range breaches {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			breach.TS.UTC().Format(time.RFC3339),
			breach.BreachID,
			strings.Join(breach.Reasons, ","),
			formatDecimal(breach.AvgUptimePct, 2),
			formatDecimal(breach.AvgErrorRatePct, 2),
			formatDecimal(breach.MaxLatencyP95MS, 1),
		)
	}

	writer.Flush()
	return nil
}

func printAlerts(ctx context.Context, store storage.HistoryReader, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tComponent\tSummary\tDetail")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.TS.UTC().Format(time.RFC3339),
			alert.Severity,
			alert.Component,
			sanitizeInline(alert.Summary),
			sanitizeInline(alert.Detail),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
