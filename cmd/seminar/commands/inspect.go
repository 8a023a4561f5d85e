package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livetemplate/seminar"
)

func newInspectCommand(a *app) *cobra.Command {
	var (
		profile string
		key     string
		list    bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode and validate a stored snapshot",
		Long: `Inspect reads one stored snapshot without loading it into a store,
runs any pending migrations and prints the result. Unreadable snapshots are
reported with the reason and a hint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			if list {
				keys, err := backend.Keys(ctx)
				if err != nil {
					return fmt.Errorf("failed to list keys: %w", err)
				}
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
				return nil
			}

			if key == "" {
				if key, err = storeKey(cfg, profile); err != nil {
					return err
				}
			}

			data, found, err := backend.Load(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load %q: %w", key, err)
			}
			if !found {
				return fmt.Errorf("no snapshot stored under %q", key)
			}

			snap, err := seminar.DecodeSnapshot(key, data)
			if err != nil {
				var snapErr *seminar.SnapshotError
				if errors.As(err, &snapErr) {
					fmt.Fprint(cmd.ErrOrStderr(), snapErr.Format())
				}
				return err
			}

			fmt.Fprintf(out, "✅ %s\n\n", key)
			fmt.Fprintf(out, "Version:  %d (current %d)\n", versionOf(data), seminar.CurrentSnapshotVersion)
			if !snap.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "Updated:  %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			}
			fmt.Fprintf(out, "Progress: %.1f%%\n\n", snap.State.Progress(cfg.Progress.GetTotalSlots()))

			pretty, err := json.MarshalIndent(snap.State, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(pretty))
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Learner profile id")
	cmd.Flags().StringVar(&key, "key", "", "Raw storage key (overrides --profile)")
	cmd.Flags().BoolVar(&list, "list", false, "List stored keys")
	return cmd
}

// versionOf reports the version tag a record was written with.
func versionOf(data []byte) int {
	var v struct {
		Version int `json:"version"`
	}
	_ = json.Unmarshal(data, &v)
	return v.Version
}
