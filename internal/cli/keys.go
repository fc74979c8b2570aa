package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/cycle"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/selector"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the key pool",
		Long: `List, import and retire tracked keys.

Examples:
  qgov keys list
  qgov keys add                          # import from configured credential files
  qgov keys add --access-token=... --refresh-token=...
  qgov keys tombstone 3f2a9c`,
	}
	cmd.AddCommand(newKeysListCmd(), newKeysAddCmd(), newKeysTombstoneCmd())
	return cmd
}

type keyView struct {
	ID           string          `json:"id"`
	ShortID      string          `json:"short_id"`
	Status       keystore.Status `json:"status"`
	Active       bool            `json:"active"`
	Usage        *keystore.Usage `json:"usage,omitempty"`
	AccountEmail string          `json:"account_email,omitempty"`
	Source       string          `json:"source,omitempty"`
	ExpiresAt    *int64          `json:"expires_at,omitempty"`
	LastUsedAt   int64           `json:"last_used_at,omitempty"`
}

type keysListResult struct {
	ActiveKey string    `json:"active_key,omitempty"`
	Keys      []keyView `json:"keys"`
	styles    output.Styles
}

func newKeysListResult(st *keystore.RotationState, styles output.Styles) keysListResult {
	res := keysListResult{ActiveKey: st.ActiveKeyID, Keys: []keyView{}, styles: styles}
	for _, k := range st.SortedKeys() {
		res.Keys = append(res.Keys, keyView{
			ID:           k.ID,
			ShortID:      k.ShortID(),
			Status:       k.Status,
			Active:       k.ID == st.ActiveKeyID,
			Usage:        k.LastUsage,
			AccountEmail: k.AccountEmail,
			Source:       k.Source,
			ExpiresAt:    k.ExpiresAt,
			LastUsedAt:   k.LastUsedAt,
		})
	}
	return res
}

func (r keysListResult) Text(w io.Writer) error {
	if len(r.Keys) == 0 {
		_, err := fmt.Fprintln(w, "No keys tracked. Run 'qgov keys add'.")
		return err
	}
	tbl := output.NewStyledTable("", "Key", "Status", "5h", "7d", "Sonnet 7d", "Account", "Source").
		WithTitle("Key Pool").
		WithFooter(fmt.Sprintf("%d keys", len(r.Keys))).
		WithStyles(r.styles)
	for _, k := range r.Keys {
		marker := ""
		if k.Active {
			marker = "*"
		}
		five, seven, sonnet := "-", "-", "-"
		if u := k.Usage; u != nil {
			five = r.styles.Level(u.FiveHour).Render(fmt.Sprintf("%.0f%%", u.FiveHour))
			seven = r.styles.Level(u.SevenDay).Render(fmt.Sprintf("%.0f%%", u.SevenDay))
			sonnet = r.styles.Level(u.SevenDaySonnet).Render(fmt.Sprintf("%.0f%%", u.SevenDaySonnet))
		}
		tbl.AddRow(marker, k.ShortID, r.styles.Status(string(k.Status)), five, seven, sonnet,
			output.Truncate(k.AccountEmail, 32), k.Source)
	}
	_, err := io.WriteString(w, tbl.Render())
	return err
}

func (r keysListResult) JSON() interface{} { return r }

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			st, err := a.keys.Load()
			if err != nil {
				return err
			}
			return out.Output(newKeysListResult(st, out.Styles()))
		},
	}
}

type keysAddResult struct {
	Added    []string `json:"added"`
	Scanned  int      `json:"scanned"`
	Resolved []string `json:"identity_resolved,omitempty"`
}

func (r keysAddResult) Text(w io.Writer) error {
	if len(r.Added) == 0 {
		_, err := fmt.Fprintf(w, "No new keys (%d credentials seen).\n", r.Scanned)
		return err
	}
	for _, id := range r.Added {
		fmt.Fprintf(w, "Added key %s\n", shortKey(id))
	}
	return nil
}

func (r keysAddResult) JSON() interface{} { return r }

func newKeysAddCmd() *cobra.Command {
	var (
		accessToken  string
		refreshToken string
		expiresIn    time.Duration
		noProfile    bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Import keys from credential files or flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			now := a.now()

			var cands []credsource.Candidate
			if accessToken != "" {
				c := keystore.Credential{AccessToken: accessToken, RefreshToken: refreshToken}
				if expiresIn > 0 {
					ms := now.Add(expiresIn).UnixMilli()
					c.ExpiresAt = &ms
				}
				cands = append(cands, credsource.Candidate{Source: "manual", Credential: c})
			} else {
				cands = credsource.Scan(a.sources, a.logger)
			}

			added, err := credsource.IngestAll(a.keys, cands, now)
			if err != nil {
				return err
			}
			res := keysAddResult{Added: added, Scanned: len(cands)}
			if res.Added == nil {
				res.Added = []string{}
			}
			if !noProfile && len(added) > 0 {
				res.Resolved = resolveIdentities(cmd.Context(), a, added)
			}
			return out.Output(res)
		},
	}
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token to add instead of scanning credential files")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token for --access-token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "access token lifetime for --access-token")
	cmd.Flags().BoolVar(&noProfile, "no-profile", false, "skip account identity lookup")
	return cmd
}

// resolveIdentities fetches account identity for ids. Failures are logged.
func resolveIdentities(ctx context.Context, a *app, ids []string) []string {
	st, err := a.keys.Load()
	if err != nil {
		return nil
	}
	type identity struct{ id, uuid, email string }
	var (
		mu    sync.Mutex
		found []identity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ids))
	for _, id := range ids {
		k, ok := st.Keys[id]
		if !ok || k.AccountUUID != "" {
			continue
		}
		token := k.AccessToken
		id := id
		g.Go(func() error {
			p, err := a.client.FetchProfile(gctx, token)
			if err != nil {
				a.logger.Debug("profile lookup failed", "key", shortKey(id), "error", err)
				return nil
			}
			mu.Lock()
			found = append(found, identity{id, p.AccountUUID, p.AccountEmail})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(found) == 0 {
		return nil
	}

	var resolved []string
	_, err = a.keys.Update(func(st *keystore.RotationState) error {
		resolved = resolved[:0]
		for _, f := range found {
			if err := st.SetIdentity(f.id, f.uuid, f.email); err == nil {
				resolved = append(resolved, f.id)
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("storing account identity failed", "error", err)
		return nil
	}
	return resolved
}

type tombstoneResult struct {
	KeyID     string `json:"key_id"`
	WasActive bool   `json:"was_active"`
	ActiveKey string `json:"active_key,omitempty"`
}

func (r tombstoneResult) Text(w io.Writer) error {
	fmt.Fprintf(w, "Tombstoned key %s\n", shortKey(r.KeyID))
	if r.WasActive {
		if r.ActiveKey == "" {
			_, err := fmt.Fprintln(w, "No selectable key left; run 'qgov keys add'.")
			return err
		}
		_, err := fmt.Fprintf(w, "Active key is now %s\n", shortKey(r.ActiveKey))
		return err
	}
	return nil
}

func (r tombstoneResult) JSON() interface{} { return r }

func newKeysTombstoneCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "tombstone <key-id>",
		Short: "Permanently retire a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			now := a.now()
			var res tombstoneResult
			_, err = a.keys.Update(func(st *keystore.RotationState) error {
				k, err := resolveKey(st, args[0])
				if err != nil {
					return err
				}
				res = tombstoneResult{KeyID: k.ID, WasActive: k.ID == st.ActiveKeyID}
				if err := st.SetStatus(k.ID, keystore.StatusTombstone, reason, now); err != nil {
					return err
				}
				if res.WasActive {
					if next := selector.SelectActiveKey(st, a.cfg.SelectorOptions()); next != "" {
						if err := st.SwitchActive(next, "tombstone", now); err != nil {
							return err
						}
					}
				}
				res.ActiveKey = st.ActiveKeyID
				return nil
			})
			if err != nil {
				return out.Error(output.NewCLIError("tombstone failed").WithCause(err.Error()))
			}
			return out.Output(res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the event log")
	return cmd
}

type healthRow struct {
	KeyID  string                `json:"key_id"`
	Status keystore.Status       `json:"status"`
	Result upstream.HealthResult `json:"result"`
}

type healthResult struct {
	Checked []healthRow `json:"checked"`
	styles  output.Styles
}

func (r healthResult) Text(w io.Writer) error {
	if len(r.Checked) == 0 {
		_, err := fmt.Fprintln(w, "No live keys to check.")
		return err
	}
	tbl := output.NewStyledTable("Key", "Valid", "Status", "5h", "7d", "Error").WithStyles(r.styles)
	for _, row := range r.Checked {
		valid := r.styles.Good.Render("yes")
		if !row.Result.Valid {
			valid = r.styles.Bad.Render("no")
		}
		five, seven := "-", "-"
		if u := row.Result.Usage; u != nil {
			five = fmt.Sprintf("%.0f%%", u.FiveHour)
			seven = fmt.Sprintf("%.0f%%", u.SevenDay)
		}
		tbl.AddRow(shortKey(row.KeyID), valid, r.styles.Status(string(row.Status)), five, seven, row.Result.Error)
	}
	_, err := io.WriteString(w, tbl.Render())
	return err
}

func (r healthResult) JSON() interface{} { return r }

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every live key and record the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			res, err := checkHealth(cmd.Context(), a)
			if err != nil {
				return err
			}
			res.styles = out.Styles()
			return out.Output(res)
		},
	}
}

func checkHealth(ctx context.Context, a *app) (healthResult, error) {
	st, err := a.keys.Load()
	if err != nil {
		return healthResult{}, err
	}
	live := st.Live()
	rows := make([]healthRow, len(live))

	// One probe per key, all in flight together like a poll cycle.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(live))
	for i, k := range live {
		i, id, token := i, k.ID, k.AccessToken
		g.Go(func() error {
			rows[i] = healthRow{KeyID: id, Result: a.client.CheckKeyHealth(gctx, token)}
			return nil
		})
	}
	_ = g.Wait()

	now := a.now()
	threshold := a.cfg.SelectorOptions().ExhaustionThreshold
	st, err = a.keys.Update(func(st *keystore.RotationState) error {
		for _, row := range rows {
			if err := st.RecordHealth(row.KeyID, row.Result.Observation(), threshold, now); err != nil {
				a.logger.Warn("recording health failed", "key", shortKey(row.KeyID), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return healthResult{}, err
	}
	for i := range rows {
		if k, ok := st.Keys[rows[i].KeyID]; ok {
			rows[i].Status = k.Status
		}
	}
	return healthResult{Checked: rows}, nil
}

type rotationResult struct {
	rotation.Result
}

func (r rotationResult) Text(w io.Writer) error {
	if !r.OK {
		_, err := fmt.Fprintf(w, "Rotation failed: %s\n", r.Error)
		return err
	}
	switch {
	case r.ActiveKey == "":
		fmt.Fprintln(w, "No selectable key available.")
	case r.Switched:
		fmt.Fprintf(w, "Switched %s -> %s\n", orNone(shortKey(r.PreviousKey)), shortKey(r.ActiveKey))
	default:
		fmt.Fprintf(w, "Keeping active key %s\n", shortKey(r.ActiveKey))
	}
	if len(r.Refreshed) > 0 {
		fmt.Fprintf(w, "Refreshed: %d\n", len(r.Refreshed))
	}
	if len(r.Invalidated) > 0 {
		fmt.Fprintf(w, "Invalidated: %d\n", len(r.Invalidated))
	}
	for _, src := range r.WrittenTo {
		fmt.Fprintf(w, "Wrote credential to %s\n", src)
	}
	return nil
}

func (r rotationResult) JSON() interface{} { return r.Result }

func newSelectCmd() *cobra.Command {
	var noSwap bool
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Refresh, re-check and re-select the active key now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			db := a.openDB()
			if db != nil {
				defer db.Close()
			}
			res := a.rotator(db).RotateOutOfBand(cmd.Context(), rotation.Request{
				Trigger:     rotation.TriggerManual,
				SwapSources: !noSwap && !a.env.IsSpawnedSession,
			})
			if err := out.Output(rotationResult{res}); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("rotation failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSwap, "no-swap", false, "do not write the selected credential into credential files")
	return cmd
}

type pollResult struct {
	cycle.Report
}

func (r pollResult) Text(w io.Writer) error {
	if !r.OK {
		_, err := fmt.Fprintf(w, "Poll failed: %s\n", r.Error)
		return err
	}
	if f := r.Refresh; f != nil && (len(f.Refreshed) > 0 || len(f.Invalidated) > 0 || len(f.Errors) > 0) {
		fmt.Fprintf(w, "Refreshed %d expired keys (%d invalidated, %d failed)\n", len(f.Refreshed), len(f.Invalidated), len(f.Errors))
	}
	if c := r.Collect; c != nil {
		if c.Skipped {
			fmt.Fprintf(w, "Snapshot skipped: %s\n", c.Reason)
		} else {
			fmt.Fprintf(w, "Polled %d keys", c.Polled)
			if len(c.Errors) > 0 {
				fmt.Fprintf(w, " (%d errors)", len(c.Errors))
			}
			fmt.Fprintln(w)
		}
	}
	if s := r.Selection; s != nil {
		if s.Switched {
			fmt.Fprintf(w, "Switched %s -> %s\n", orNone(shortKey(s.PreviousKey)), shortKey(s.ActiveKey))
		} else if s.ActiveKey != "" {
			fmt.Fprintf(w, "Active key %s\n", shortKey(s.ActiveKey))
		} else {
			fmt.Fprintln(w, "No selectable key available.")
		}
	}
	if g := r.Governor; g != nil {
		switch {
		case !g.OK:
			fmt.Fprintf(w, "Governor failed: %s\n", g.Error)
		case g.Skipped:
			fmt.Fprintf(w, "Governor skipped: %s\n", g.Reason)
		default:
			fmt.Fprintf(w, "Factor %.2f -> %.2f (%s", g.PreviousFactor, g.Factor, g.Direction)
			if g.Constraining != "" {
				fmt.Fprintf(w, ", %s", g.Constraining)
			}
			fmt.Fprintln(w, ")")
		}
	}
	return nil
}

func (r pollResult) JSON() interface{} { return r.Report }

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle: snapshot, select, govern",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := currentApp()
			if err != nil {
				return err
			}
			db := a.openDB()
			if db != nil {
				defer db.Close()
			}
			rep := a.runner(db).Run(cmd.Context())
			if err := out.Output(pollResult{rep}); err != nil {
				return err
			}
			if !rep.OK {
				return fmt.Errorf("poll failed: %s", rep.Error)
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
