package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/state"
)

// defaultHistoryRetention is how long the daemon keeps history rows.
const defaultHistoryRetention = 30 * 24 * time.Hour

const (
	historyKindAll         = "all"
	historyKindRotations   = "rotations"
	historyKindAdjustments = "adjustments"
)

type historyResult struct {
	Rotations   []state.Rotation   `json:"rotations,omitempty"`
	Adjustments []state.Adjustment `json:"adjustments,omitempty"`
	Stats       *rotation.Stats    `json:"stats,omitempty"`
	styles      output.Styles
}

func (r historyResult) Text(w io.Writer) error {
	if r.Stats != nil {
		fmt.Fprintf(w, "%s %d rotations, %d switches", r.styles.Title.Render("Rotations:"), r.Stats.TotalRotations, r.Stats.Switches)
		if r.Stats.AvgTimeBetween > 0 {
			fmt.Fprintf(w, ", every %s on average", r.Stats.AvgTimeBetween.Truncate(time.Minute))
		}
		fmt.Fprintln(w)
	}
	if len(r.Rotations) > 0 {
		tbl := output.NewStyledTable("Time", "Trigger", "From", "To", "Switched", "Refreshed", "Invalidated").
			WithTitle("Recent rotations").WithStyles(r.styles)
		for _, rot := range r.Rotations {
			switched := "no"
			if rot.Switched {
				switched = r.styles.Good.Render("yes")
			}
			tbl.AddRow(rot.RotatedAt.Local().Format("01-02 15:04:05"), rot.TriggeredBy,
				orDash(shortKey(rot.FromKey)), orDash(shortKey(rot.ToKey)), switched,
				fmt.Sprint(rot.Refreshed), fmt.Sprint(rot.Invalidated))
		}
		fmt.Fprint(w, tbl.Render())
	}
	if len(r.Adjustments) > 0 {
		tbl := output.NewStyledTable("Time", "Factor", "Direction", "Metric", "Projected", "Reason").
			WithTitle("Governor adjustments").WithStyles(r.styles)
		for _, adj := range r.Adjustments {
			tbl.AddRow(adj.RecordedAt.Local().Format("01-02 15:04:05"),
				fmt.Sprintf("%.2f -> %.2f", adj.PreviousFactor, adj.Factor),
				orDash(adj.Direction), orDash(adj.ConstrainingMetric),
				fmt.Sprintf("%.0f%%", adj.ProjectedAtReset*100), output.Truncate(adj.Reason, 40))
		}
		fmt.Fprint(w, tbl.Render())
	}
	if len(r.Rotations) == 0 && len(r.Adjustments) == 0 {
		_, err := fmt.Fprintln(w, "No history recorded.")
		return err
	}
	return nil
}

func (r historyResult) JSON() interface{} { return r }

func newHistoryCmd() *cobra.Command {
	var (
		since string
		limit int
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded rotations and governor adjustments",
		Long: `Show rotations and governor adjustments from the history database.

Examples:
  qgov history --since 24h
  qgov history --kind rotations --limit 50
  qgov history prune --before 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case historyKindAll, historyKindRotations, historyKindAdjustments:
			default:
				return fmt.Errorf("invalid --kind %q: use all, rotations or adjustments", kind)
			}
			a, err := currentApp()
			if err != nil {
				return err
			}
			var from time.Time
			if since != "" {
				if from, err = parseTimeArg(since, a.now()); err != nil {
					return err
				}
			}

			res := historyResult{styles: out.Styles()}
			if kind != historyKindAdjustments {
				stats, err := a.history.Stats()
				if err != nil {
					return err
				}
				res.Stats = &stats
			}

			db := a.openDB()
			if db == nil {
				return out.Output(res)
			}
			defer db.Close()
			if kind != historyKindAdjustments {
				if res.Rotations, err = db.Rotations(from, limit); err != nil {
					return err
				}
			}
			if kind != historyKindRotations {
				if res.Adjustments, err = db.Adjustments(from, limit); err != nil {
					return err
				}
			}
			return out.Output(res)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only entries after this time (RFC3339 or relative like 24h, 7d)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries per kind (0 for all)")
	cmd.Flags().StringVar(&kind, "kind", historyKindAll, "all, rotations or adjustments")
	cmd.AddCommand(newHistoryPruneCmd())
	return cmd
}

func newHistoryPruneCmd() *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history rows older than --before",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			cutoff, err := parseTimeArg(before, a.now())
			if err != nil {
				return err
			}
			db, err := state.OpenProject(a.env.ProjectRoot)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.Prune(cutoff)
			if err != nil {
				return err
			}
			return out.Output(countResult{Action: "pruned", Count: n})
		},
	}
	cmd.Flags().StringVar(&before, "before", "30d", "cutoff (RFC3339 or relative like 30d)")
	return cmd
}
