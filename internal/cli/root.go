package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/config"
	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/runenv"
)

var (
	cfgFile    string
	projectDir string
	jsonOutput bool
	formatFlag string
	logLevel   string

	cfg *config.Config
	env runenv.Env
	out *output.Formatter

	// Build information - set via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

// skipSetup lists commands that run without loading config.
var skipSetup = map[string]bool{
	"version":    true,
	"completion": true,
	"path":       true,
	"init":       true,
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cfgFile, projectDir, formatFlag, logLevel = "", "", "", "warn"
	jsonOutput = false

	root := &cobra.Command{
		Use:   "qgov",
		Short: "Quota governor for a pool of API keys",
		Long: `qgov keeps a pool of API keys healthy, paces scheduled automations so quota
lasts until the next window reset, and recovers sessions killed by quota limits.

Quick Start:
  qgov keys add              # import the credential files listed in config
  qgov poll                  # poll usage, select a key, adjust the pace
  qgov governor show         # show the speed factor and cooldowns
  qgov due code-review --last-run 45m
  qgov top                   # live dashboard

Hook integration:
  Configure the host to pipe its session-end event to 'qgov detect'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f := output.FormatText
			if formatFlag != "" {
				parsed, err := output.ParseFormat(formatFlag)
				if err != nil {
					return err
				}
				f = parsed
			}
			if jsonOutput {
				f = output.FormatJSON
			}
			out = output.New(
				output.WithFormat(f),
				output.WithWriter(cmd.OutOrStdout()),
				output.WithErrWriter(cmd.ErrOrStderr()),
			)

			logger, err := newLogger(cmd.ErrOrStderr(), logLevel, f != output.FormatText)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			if skipSetup[cmd.Name()] {
				return nil
			}

			cfg, err = config.Load(cfgFile)
			if err != nil {
				// detect runs from a host hook and must never fail it.
				if cmd.Name() != "detect" {
					return err
				}
				logger.Warn("config unusable, using defaults", "error", err)
				cfg = config.Default()
			}
			env = runenv.FromEnv(projectDir)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/qgov/config.toml)")
	root.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project root holding .qgov/ (default: $QGOV_PROJECT_ROOT, git root, or cwd)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	root.PersistentFlags().StringVar(&formatFlag, "format", "", "output format: text, json, yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		// Key pool
		newKeysCmd(),
		newHealthCmd(),
		newSelectCmd(),
		newPollCmd(),

		// Governor
		newGovernorCmd(),
		newDueCmd(),

		// Quota death
		newDetectCmd(),
		newRevivalsCmd(),

		// Observation
		newHistoryCmd(),
		newTopCmd(),
		newDaemonCmd(),

		// Utilities
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// IsJSONOutput reports whether the last invocation asked for structured
// output, so main can format the returned error to match.
func IsJSONOutput() bool {
	return out != nil && out.IsStructured()
}

func newLogger(w io.Writer, level string, structured bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: use debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if structured {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

type versionResult struct {
	output.VersionResponse
	BuiltBy string `json:"built_by,omitempty"`
	short   bool
}

func (r versionResult) Text(w io.Writer) error {
	if r.short {
		_, err := fmt.Fprintln(w, r.Version)
		return err
	}
	fmt.Fprintf(w, "qgov version %s\n", r.Version)
	fmt.Fprintf(w, "  commit:  %s\n", r.Commit)
	fmt.Fprintf(w, "  built:   %s\n", r.BuildDate)
	fmt.Fprintf(w, "  builder: %s\n", r.BuiltBy)
	_, err := fmt.Fprintf(w, "  go:      %s\n", r.GoVersion)
	return err
}

func (r versionResult) JSON() interface{} { return r }

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return out.Output(versionResult{
				VersionResponse: output.VersionResponse{
					Version:   Version,
					Commit:    Commit,
					BuildDate: Date,
					GoVersion: runtime.Version(),
				},
				BuiltBy: BuiltBy,
				short:   short,
			})
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefault()
			if err != nil {
				return err
			}
			if out.IsStructured() {
				return out.Data(map[string]string{"path": path})
			}
			out.Printf("Created config file: %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			out.Println(path)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err != nil {
				out.Println("# Using default configuration (no config file found)")
				out.Println()
			}
			return config.Print(cfg, out.Writer())
		},
	})

	return cmd
}
