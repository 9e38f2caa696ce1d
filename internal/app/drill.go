package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"trade-warden/internal/chaos"
)

// RunDrill 在不启动完整监督循环的情况下执行一次演练。
func (a *App) RunDrill(ctx context.Context, name string) error {
	if !a.Config.Chaos.Enabled {
		return errors.New("chaos 演练未启用")
	}

	synthetic := chaos.NewSyntheticMonitor(a.Logger)
	injector := chaos.NewInjector(chaos.Options{
		Drills:       a.Config.Chaos.Drills,
		BudgetCap:    a.Config.QuoteBudget.Capacity,
		BudgetRefill: a.Config.QuoteBudget.RefillPerSec,
		History:      a.Config.Chaos.History,
	}, synthetic, a.Logger)

	ev, err := injector.Run(ctx, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "drill %s: %s\n", ev.Drill, ev.Outcome)
	if ev.Reason != "" {
		fmt.Fprintf(os.Stdout, "reason: %s\n", ev.Reason)
	}
	if ev.Outcome != chaos.OutcomePassed {
		return fmt.Errorf("drill %s did not pass", name)
	}
	return nil
}
