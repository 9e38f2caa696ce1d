package app

import (
	"context"
	"errors"
	"time"
)

// Prune 按保留期清理历史数据。
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.KeepDays <= 0 {
		return errors.New("retention 天数必须大于零")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -opts.KeepDays)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理历史")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.DryRun {
		total, err := store.CountSamples(ctx)
		if err != nil {
			return err
		}
		a.Logger.Info().
			Time("cutoff", cutoff).
			Int64("samples_total", total).
			Msg("prune dry-run：不会删除任何数据")
		return nil
	}

	samples, err := store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	alerts, err := store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Time("cutoff", cutoff).
		Int64("samples_removed", samples).
		Int64("alerts_removed", alerts).
		Msg("history pruned")
	return nil
}
