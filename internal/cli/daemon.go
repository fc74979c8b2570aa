package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/cycle"
	"github.com/Dicklesworthstone/qgov/internal/scheduler"
)

func newDaemonCmd() *cobra.Command {
	var (
		interval  time.Duration
		noWatch   bool
		retention time.Duration
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll, select and govern on an interval until interrupted",
		Long: `Run poll cycles on an interval with exponential backoff after failures.

Alongside the loop the daemon watches the credential files for new logins,
prunes expired revival entries and trims the history database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db := a.openDB()
			if db != nil {
				defer db.Close()
			}

			dcfg := a.cfg.DaemonOptions()
			if cmd.Flags().Changed("interval") {
				dcfg.Interval = interval
			}
			d := scheduler.NewDaemon(a.runner(db), dcfg).WithLogger(a.logger)
			if !noWatch && !a.env.IsSpawnedSession {
				d = d.WithBackground(credsource.NewWatcher(a.sources, a.keys).WithLogger(a.logger))
			}
			d = d.WithMaintenance(func(ctx context.Context) {
				if n, err := a.queue.Prune(); err != nil {
					a.logger.Warn("revival queue prune failed", "error", err)
				} else if n > 0 {
					a.logger.Info("pruned revival queue", "removed", n)
				}
				if db == nil {
					return
				}
				if n, err := db.Prune(a.now().Add(-retention)); err != nil {
					a.logger.Warn("history prune failed", "error", err)
				} else if n > 0 {
					a.logger.Info("pruned history", "removed", n)
				}
			})
			d = d.OnReport(func(rep cycle.Report, next time.Duration) {
				attrs := []any{"duration", rep.Duration.Round(time.Millisecond), "next", next.Round(time.Second)}
				if s := rep.Selection; s != nil {
					attrs = append(attrs, "active", shortKey(s.ActiveKey), "switched", s.Switched)
				}
				if g := rep.Governor; g != nil && g.OK && !g.Skipped {
					attrs = append(attrs, "factor", g.Factor, "direction", g.Direction)
				}
				if !rep.OK {
					a.logger.Warn("poll cycle failed", append(attrs, "error", rep.Error)...)
					return
				}
				a.logger.Info("poll cycle", attrs...)
			})

			a.logger.Info("daemon started", "project", a.env.ProjectRoot, "interval", dcfg.Interval)
			err = d.Run(ctx)
			a.logger.Info("daemon stopped")
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "time between successful cycles")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch credential files")
	cmd.Flags().DurationVar(&retention, "history-retention", defaultHistoryRetention, "age after which history rows are pruned")
	return cmd
}
