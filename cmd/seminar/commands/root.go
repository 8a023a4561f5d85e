// Package commands implements the seminar CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/config"
	"github.com/livetemplate/seminar/internal/server"
	"github.com/livetemplate/seminar/internal/storage"
)

// app carries the global flags and the logger built from them.
type app struct {
	dir        string
	configPath string
	verbose    bool
	logger     *zap.Logger
}

// NewRootCommand builds the seminar command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "seminar",
		Short:         "Progress store and server for the ML seminar",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			if a.verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&a.dir, "dir", "d", ".", "Site directory holding seminar.yaml")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default: <dir>/seminar.yaml)")

	root.AddCommand(
		newServeCommand(a),
		newProgressCommand(a),
		newInspectCommand(a),
		newImportCommand(a),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "seminar version %s\n", version)
			},
		},
	)
	return root
}

// loadConfig resolves the site directory and loads a validated config.
func (a *app) loadConfig() (*config.Config, string, error) {
	if _, err := os.Stat(a.dir); os.IsNotExist(err) {
		return nil, "", fmt.Errorf("directory does not exist: %s", a.dir)
	}
	absDir, err := filepath.Abs(a.dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cfg *config.Config
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, err = config.LoadFromDir(absDir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, absDir, nil
}

// openBackend loads the config and opens its storage backend.
func (a *app) openBackend() (*config.Config, storage.Backend, error) {
	cfg, absDir, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := a.openBackendFor(cfg, absDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}

func (a *app) openBackendFor(cfg *config.Config, absDir string) (storage.Backend, error) {
	backend, err := storage.Open(cfg.Storage, absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.GetType(), err)
	}
	a.logger.Debug("storage opened", zap.String("type", backend.Name()))
	return backend, nil
}

// storeKey is the backend key of a profile, or the base key without one.
func storeKey(cfg *config.Config, profile string) (string, error) {
	if profile == "" {
		return cfg.Progress.GetKey(), nil
	}
	if _, err := uuid.Parse(profile); err != nil {
		return "", fmt.Errorf("invalid profile %q: %w", profile, err)
	}
	return server.ProfileKey(cfg.Progress.GetKey(), profile), nil
}

// openStore loads the store of one profile from backend.
func (a *app) openStore(ctx context.Context, cfg *config.Config, backend storage.Backend, profile string) (*seminar.Store, error) {
	key, err := storeKey(cfg, profile)
	if err != nil {
		return nil, err
	}
	return seminar.NewStore(ctx,
		seminar.WithBackend(backend),
		seminar.WithKey(key),
		seminar.WithTotalSlots(cfg.Progress.GetTotalSlots()),
		seminar.WithLogger(a.logger),
	), nil
}
