package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/config"
)

// progressReport is the JSON form of `progress show --json`.
type progressReport struct {
	Key        string        `json:"key"`
	State      seminar.State `json:"state"`
	Progress   float64       `json:"progress"`
	TotalSlots int           `json:"totalSlots"`
	LoadError  string        `json:"loadError,omitempty"`
}

func newProgressCommand(a *app) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show or change stored learner progress",
	}
	cmd.PersistentFlags().StringVar(&profile, "profile", "", "Learner profile id (default: the base key)")

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print a learner's progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), profile, func(cfg *config.Config, store *seminar.Store) error {
				return printProgress(cmd.OutOrStdout(), cfg, store, asJSON)
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear completions, scores, game data and the page cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), profile, func(cfg *config.Config, store *seminar.Store) error {
				store.ResetProgress()
				if err := store.PersistErr(); err != nil {
					return fmt.Errorf("progress not saved: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "🧹 Progress reset for %s\n", store.Key())
				return nil
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete <experiment-id>",
		Short: "Mark an experiment completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, profile, func(store *seminar.Store) {
				store.CompleteExperiment(seminar.ExperimentID(args[0]))
			})
		},
	}

	score := &cobra.Command{
		Use:   "score <experiment-id> <score>",
		Short: "Record an experiment score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid score %q: must be an integer", args[1])
			}
			return a.mutate(cmd, profile, func(store *seminar.Store) {
				store.SetScore(seminar.ExperimentID(args[0]), n)
			})
		},
	}

	page := &cobra.Command{
		Use:   "page <index>",
		Short: "Set the page cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid page index %q: must be an integer", args[0])
			}
			return a.mutate(cmd, profile, func(store *seminar.Store) {
				store.SetCurrentPage(n)
			})
		},
	}

	cmd.AddCommand(show, reset, complete, score, page)
	return cmd
}

// withStore opens the configured backend and the profile's store for fn.
func (a *app) withStore(ctx context.Context, profile string, fn func(*config.Config, *seminar.Store) error) error {
	cfg, backend, err := a.openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	store, err := a.openStore(ctx, cfg, backend, profile)
	if err != nil {
		return err
	}
	return fn(cfg, store)
}

// mutate applies fn and prints the resulting progress. A record that failed
// to load is never overwritten here; only reset may replace it.
func (a *app) mutate(cmd *cobra.Command, profile string, fn func(*seminar.Store)) error {
	return a.withStore(cmd.Context(), profile, func(cfg *config.Config, store *seminar.Store) error {
		if err := store.PersistErr(); err != nil {
			var snapErr *seminar.SnapshotError
			if errors.As(err, &snapErr) {
				fmt.Fprint(cmd.ErrOrStderr(), snapErr.Format())
			}
			return fmt.Errorf("stored progress could not be loaded, refusing to overwrite it: %w", err)
		}

		fn(store)
		if err := store.PersistErr(); err != nil {
			return fmt.Errorf("progress not saved: %w", err)
		}
		return printProgress(cmd.OutOrStdout(), cfg, store, false)
	})
}

func printProgress(w io.Writer, cfg *config.Config, store *seminar.Store, asJSON bool) error {
	state := store.State()

	if asJSON {
		report := progressReport{
			Key:        store.Key(),
			State:      state,
			Progress:   store.Progress(),
			TotalSlots: store.TotalSlots(),
		}
		if err := store.PersistErr(); err != nil {
			report.LoadError = err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if err := store.PersistErr(); err != nil {
		fmt.Fprintf(w, "⚠️  %v\n\n", err)
	}

	fmt.Fprintf(w, "Key:      %s\n", store.Key())
	fmt.Fprintf(w, "Progress: %.1f%% (%d of %d)\n", store.Progress(), len(state.CompletedExperiments), store.TotalSlots())
	fmt.Fprintf(w, "Page:     %d\n", state.CurrentPageIndex)

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nExperiments:\n")
	listed := make(map[seminar.ExperimentID]bool)
	for _, e := range reg.All() {
		if !e.Slot {
			continue
		}
		listed[e.ID] = true
		printExperiment(w, e.ID, e.Title, state)
	}
	// Completions the registry doesn't know about are still counted
	for _, id := range state.CompletedExperiments {
		if !listed[id] {
			printExperiment(w, id, "(not in registry)", state)
		}
	}
	return nil
}

func printExperiment(w io.Writer, id seminar.ExperimentID, title string, state seminar.State) {
	mark := "·"
	if state.IsCompleted(id) {
		mark = "✓"
	}
	line := fmt.Sprintf("  %s %-22s %s", mark, id, title)
	if score, ok := state.Scores[id]; ok {
		line += fmt.Sprintf("  score %d", score)
	}
	fmt.Fprintln(w, line)
}
