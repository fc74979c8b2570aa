package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/reviver"
)

// maxHookInput bounds the hook payload read from stdin.
const maxHookInput = 1 << 20

type detectResult struct {
	reviver.Outcome
}

func (r detectResult) Text(w io.Writer) error {
	switch {
	case !r.OK:
		_, err := fmt.Fprintf(w, "Inspection failed: %s\n", r.Error)
		return err
	case !r.Detected:
		_, err := fmt.Fprintln(w, "No quota exhaustion detected.")
		return err
	}
	fmt.Fprintf(w, "Quota exhaustion detected (%s)\n", r.Pattern)
	if r.Rotation != nil && r.Rotation.Switched {
		fmt.Fprintf(w, "Rotated %s -> %s\n", orNone(shortKey(r.Rotation.PreviousKey)), shortKey(r.Rotation.ActiveKey))
	}
	if r.Queued && r.Record != nil {
		verb := "Queued"
		if r.Replaced {
			verb = "Re-queued"
		}
		fmt.Fprintf(w, "%s session %s for revival\n", verb, r.Record.SessionID)
		if r.Record.ResumeAfter > 0 {
			fmt.Fprintf(w, "Limit resets at %s\n", time.UnixMilli(r.Record.ResumeAfter).Local().Format(time.RFC3339))
		}
	}
	return nil
}

func (r detectResult) JSON() interface{} { return r.Outcome }

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Inspect a terminated session for quota death (hook entry point)",
		Long: `Read a termination hook payload from stdin, inspect the session transcript
for quota exhaustion, rotate keys and queue the session for revival.

The command always exits 0 so the host can continue.

Example hook payload:
  {"session_id":"abc","transcript_path":"/tmp/t.jsonl","hook_event_name":"Stop"}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in reviver.HookInput
			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxHookInput))
			if err == nil && len(raw) > 0 {
				err = json.Unmarshal(raw, &in)
			}
			if err != nil {
				_ = out.Output(detectResult{reviver.Outcome{Error: fmt.Sprintf("read hook input: %v", err)}})
				return nil
			}

			a, err := currentApp()
			if err != nil {
				_ = out.Output(detectResult{reviver.Outcome{Error: err.Error()}})
				return nil
			}
			db := a.openDB()
			if db != nil {
				defer db.Close()
			}
			outcome := a.detector(db).WithNotices(cmd.ErrOrStderr()).Inspect(cmd.Context(), in)
			if err := out.Output(detectResult{outcome}); err != nil {
				a.logger.Warn("writing detect outcome failed", "error", err)
			}
			return nil
		},
	}
}

func newRevivalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revivals",
		Short: "Inspect the queue of sessions awaiting revival",
	}
	cmd.AddCommand(newRevivalsListCmd(), newRevivalsPruneCmd(), newRevivalsRemoveCmd())
	return cmd
}

type revivalsResult struct {
	Sessions []reviver.RevivalRecord `json:"sessions"`
	now      time.Time
	styles   output.Styles
}

func (r revivalsResult) Text(w io.Writer) error {
	if len(r.Sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions awaiting revival.")
		return err
	}
	tbl := output.NewStyledTable("ID", "Session", "Agent", "Age", "Rotated", "Resumes", "Message").WithStyles(r.styles)
	for _, rec := range r.Sessions {
		rotated := "no"
		if rec.CredentialsRotated {
			rotated = r.styles.Good.Render("yes")
		}
		age := r.now.Sub(time.UnixMilli(rec.InterruptedAt)).Truncate(time.Second)
		resumes := "-"
		if rec.ResumeAfter > 0 {
			resumes = time.UnixMilli(rec.ResumeAfter).Local().Format("Jan 2 15:04")
		}
		tbl.AddRow(rec.ID, output.Truncate(rec.SessionID, 20), orDash(rec.AgentID), age.String(),
			rotated, resumes, output.Truncate(rec.QuotaMessage, 48))
	}
	_, err := io.WriteString(w, tbl.Render())
	return err
}

func (r revivalsResult) JSON() interface{} { return r }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newRevivalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unexpired queued sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			recs, err := a.queue.List()
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []reviver.RevivalRecord{}
			}
			return out.Output(revivalsResult{Sessions: recs, now: a.now(), styles: out.Styles()})
		},
	}
}

type countResult struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

func (r countResult) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s: %d\n", r.Action, r.Count)
	return err
}

func (r countResult) JSON() interface{} { return r }

func newRevivalsPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop expired queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			n, err := a.queue.Prune()
			if err != nil {
				return err
			}
			return out.Output(countResult{Action: "pruned", Count: int64(n)})
		},
	}
}

func newRevivalsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a queued session once it has been revived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			removed, err := a.queue.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return out.Error(output.NewCLIError(fmt.Sprintf("no queued session %q", args[0])).WithCode("NOT_FOUND"))
			}
			return out.Output(countResult{Action: "removed", Count: 1})
		},
	}
}
