package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/tui/dashboard"
)

func newTopCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of keys, governor and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out.IsStructured() {
				return fmt.Errorf("top is interactive; use 'qgov keys list' or 'qgov governor show' with --json")
			}
			a, err := currentApp()
			if err != nil {
				return err
			}
			load := dashboard.StoreLoader(a.keys, a.gov, a.series, a.cfg.EstimatorOptions(), a.now)
			m := dashboard.New(load)
			if cmd.Flags().Changed("refresh") {
				m = m.WithRefresh(refresh)
			}
			return dashboard.Run(cmd.Context(), m)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", dashboard.DefaultRefresh, "reload interval")
	return cmd
}
