package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/livetemplate/seminar"
)

func newImportCommand(a *app) *cobra.Command {
	var (
		profile string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load an exported progress snapshot into storage",
		Long: `Import reads a snapshot file, including the legacy browser export
({"state": {...}, "version": 0}), migrates it to the current version and
stores it under the profile's key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			cfg, backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			key, err := storeKey(cfg, profile)
			if err != nil {
				return err
			}

			snap, err := seminar.DecodeSnapshot(args[0], data)
			if err != nil {
				var snapErr *seminar.SnapshotError
				if errors.As(err, &snapErr) {
					fmt.Fprint(cmd.ErrOrStderr(), snapErr.Format())
				}
				return err
			}

			if !force {
				_, found, err := backend.Load(ctx, key)
				if err != nil {
					return fmt.Errorf("failed to check %q: %w", key, err)
				}
				if found {
					return fmt.Errorf("progress already stored under %q (use --force to replace it)", key)
				}
			}

			encoded, err := seminar.EncodeSnapshot(snap.State, time.Now())
			if err != nil {
				return err
			}
			if err := backend.Save(ctx, key, encoded); err != nil {
				return fmt.Errorf("failed to save %q: %w", key, err)
			}

			a.logger.Info("snapshot imported", zap.String("key", key), zap.String("file", args[0]))
			fmt.Fprintf(cmd.OutOrStdout(), "📥 Imported %d completed experiments into %s\n",
				len(snap.State.CompletedExperiments), key)
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Learner profile id (default: the base key)")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing record")
	return cmd
}
