package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/scheduler"
)

func newGovernorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governor",
		Short: "Inspect and steer the cooldown governor",
		Long: `The governor scales automation cooldowns so pooled usage lands near the
target at each window reset.

Examples:
  qgov governor show
  qgov governor overdrive 0.5 --for 2h
  qgov governor clear-overdrive
  qgov governor mode code-review static --minutes 45`,
	}
	cmd.AddCommand(
		newGovernorShowCmd(),
		newGovernorOverdriveCmd(),
		newGovernorClearOverdriveCmd(),
		newGovernorModeCmd(),
	)
	return cmd
}

type governorResult struct {
	Config *governor.Config `json:"config"`
	Now    time.Time        `json:"-"`
	styles output.Styles
}

func (r governorResult) Text(w io.Writer) error {
	c := r.Config
	adj := c.Adjustment
	fmt.Fprintf(w, "%s %.2f", r.styles.Title.Render("Factor"), c.Factor())
	if adj.Direction != "" {
		fmt.Fprintf(w, " (%s)", adj.Direction)
	}
	fmt.Fprintln(w)
	if c.Overdrive.Active {
		left := time.UnixMilli(c.Overdrive.ExpiresAt).Sub(r.Now).Truncate(time.Minute)
		fmt.Fprintf(w, "%s %.2f, %s left\n", r.styles.Warn.Render("Overdrive"), c.Overdrive.Factor, left)
	}
	if adj.ConstrainingMetric != "" {
		fmt.Fprintf(w, "Constraint: %s at %.1f%%, %.2f%%/h, projected %.1f%% at reset in %.1fh\n",
			adj.ConstrainingMetric, adj.Current*100, adj.Rate*100, adj.ProjectedAtReset*100, adj.HoursUntilReset)
	}
	if adj.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", adj.Reason)
	}
	if adj.LastUpdated > 0 {
		fmt.Fprintf(w, "Updated: %s\n", time.UnixMilli(adj.LastUpdated).Format(time.RFC3339))
	}

	names := make([]string, 0, len(c.Defaults))
	for name := range c.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tbl := output.NewStyledTable("Automation", "Mode", "Effective", "Default", "Ceiling").WithStyles(r.styles)
	for _, name := range names {
		mode := c.ModeOf(name)
		modeText := string(mode.Mode)
		if mode.StaticMinutes != nil {
			modeText += " " + strconv.Itoa(*mode.StaticMinutes) + "m"
		}
		eff, _ := c.EffectiveMinutes(name)
		ceiling := "-"
		if v, ok := c.Ceilings[name]; ok && v > 0 {
			ceiling = strconv.Itoa(v) + "m"
		}
		tbl.AddRow(name, modeText, strconv.Itoa(eff)+"m", strconv.Itoa(c.Defaults[name])+"m", ceiling)
	}
	_, err := io.WriteString(w, tbl.Render())
	return err
}

func (r governorResult) JSON() interface{} { return r.Config }

func outputGovernor(a *app, c *governor.Config) error {
	return out.Output(governorResult{Config: c, Now: a.now(), styles: out.Styles()})
}

func newGovernorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the factor, its rationale and effective cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			c, err := a.gov.Show()
			if err != nil {
				return err
			}
			return outputGovernor(a, c)
		},
	}
}

func newGovernorOverdriveCmd() *cobra.Command {
	var dur time.Duration
	cmd := &cobra.Command{
		Use:   "overdrive <factor>",
		Short: "Pin the factor for a limited time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			factor, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid factor %q: %w", args[0], err)
			}
			a, err := currentApp()
			if err != nil {
				return err
			}
			c, err := a.gov.SetOverdrive(factor, dur)
			if err != nil {
				return out.Error(output.NewCLIError("overdrive rejected").WithCause(err.Error()))
			}
			return outputGovernor(a, c)
		},
	}
	cmd.Flags().DurationVar(&dur, "for", time.Hour, "how long the overdrive lasts")
	return cmd
}

func newGovernorClearOverdriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-overdrive",
		Short: "End overdrive and restore the previous cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			c, err := a.gov.ClearOverdrive()
			if err != nil {
				return err
			}
			return outputGovernor(a, c)
		},
	}
}

func newGovernorModeCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "mode <automation> <dynamic|static>",
		Short: "Set how an automation's cooldown is chosen",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := governor.Mode(args[1])
			if !mode.Valid() {
				return out.Error(output.NewCLIError(fmt.Sprintf("unknown mode %q", args[1])).
					WithHint("use dynamic or static"))
			}
			var static *int
			if cmd.Flags().Changed("minutes") {
				if minutes <= 0 {
					return fmt.Errorf("--minutes must be positive")
				}
				static = &minutes
			}
			a, err := currentApp()
			if err != nil {
				return err
			}
			c, err := a.gov.SetMode(args[0], mode, static)
			if err != nil {
				return out.Error(output.NewCLIError("mode change rejected").WithCause(err.Error()))
			}
			return outputGovernor(a, c)
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "fixed cooldown for static mode (default: the configured default)")
	return cmd
}

type dueResult struct {
	scheduler.Decision
}

func (r dueResult) Text(w io.Writer) error {
	if r.Due {
		_, err := fmt.Fprintf(w, "%s is due (cooldown %dm, factor %.2f)\n", r.Automation, r.Minutes, r.Factor)
		return err
	}
	_, err := fmt.Fprintf(w, "%s not due for %s (cooldown %dm, next %s)\n",
		r.Automation, r.Remaining.Truncate(time.Second), r.Minutes, r.NextRun.Format(time.RFC3339))
	return err
}

func (r dueResult) JSON() interface{} { return r.Decision }

func newDueCmd() *cobra.Command {
	var (
		lastRun string
		check   bool
	)
	cmd := &cobra.Command{
		Use:   "due <automation>",
		Short: "Report whether an automation's cooldown has elapsed",
		Long: `Report whether an automation may run, given when it last ran.

With --check the command fails with code NOT_DUE while the cooldown runs,
so schedulers can gate on the exit status:

  qgov due code-review --last-run 40m --check && run-review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			now := a.now()
			var last time.Time
			if lastRun != "" {
				if last, err = parseTimeArg(lastRun, now); err != nil {
					return err
				}
			}
			d, err := scheduler.NewGate(a.gov).Due(args[0], last, now)
			if err != nil {
				return err
			}
			if err := out.Output(dueResult{d}); err != nil {
				return err
			}
			if check && !d.Due {
				return output.NewCLIError(fmt.Sprintf("%s is not due", d.Automation)).WithCode("NOT_DUE")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lastRun, "last-run", "", "last run time (RFC3339 or relative like 45m, 2h)")
	cmd.Flags().BoolVar(&check, "check", false, "exit non-zero when not due")
	return cmd
}
