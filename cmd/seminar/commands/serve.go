package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetemplate/seminar/internal/config"
	"github.com/livetemplate/seminar/internal/server"
	"github.com/livetemplate/seminar/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	port  int
	host  string
	watch bool
}

func newServeCommand(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the progress server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides config)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind (overrides config)")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Reload experiments when seminar.yaml changes")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, absDir, err := a.loadConfig()
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = opts.port
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = opts.host
	}
	if cmd.Flags().Changed("watch") {
		cfg.Server.Watch = opts.watch
	}

	backend, err := a.openBackendFor(cfg, absDir)
	if err != nil {
		return err
	}
	defer backend.Close()

	shutdownTracing, err := telemetry.Setup(ctx, "seminar", cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, absDir, backend, a.logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if cfg.Server.Watch {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	handler, limiterDone := srv.Handler(gctx)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📚 %s\n\n", cfg.Title)
	fmt.Fprintf(out, "Serving:  %s\n", absDir)
	fmt.Fprintf(out, "Storage:  %s\n", backend.Name())
	fmt.Fprintf(out, "Experiments: %d (%d progress slots, denominator %d)\n",
		srv.Registry().Len(), srv.Registry().Slots(), cfg.Progress.GetTotalSlots())
	if cfg.Server.Watch {
		fmt.Fprintf(out, "👀 Watching %s for changes\n", config.FileName)
	}
	if cfg.Telemetry.Endpoint != "" {
		fmt.Fprintf(out, "📡 Tracing to %s\n", cfg.Telemetry.Endpoint)
	}
	fmt.Fprintf(out, "\n🌐 Server running at http://%s\n", httpServer.Addr)
	fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-limiterDone
	return err
}
