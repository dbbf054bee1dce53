package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/config"
	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
	"github.com/MegaGrindStone/cppmcp/servers/cppast"
)

const shutdownTimeout = 10 * time.Second

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve one session over standard input and output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, config.TransportStdio, nil)
		if err != nil {
			return err
		}
		return runStdio(cmd.Context(), cfg)
	},
}

var (
	flagAddr    string
	flagBaseURL string
	flagMetrics bool
)

var sseCmd = &cobra.Command{
	Use:   "sse",
	Short: "Serve sessions over HTTP with server-sent events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, config.TransportSSE, func(cfg *config.Config) {
			if cmd.Flags().Changed("addr") {
				cfg.SSE.Addr = flagAddr
			}
			if cmd.Flags().Changed("base-url") {
				cfg.SSE.BaseURL = flagBaseURL
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Enabled = flagMetrics
			}
		})
		if err != nil {
			return err
		}
		return runSSE(cmd.Context(), cfg)
	},
}

func init() {
	sseCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default localhost:8080)")
	sseCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "public URL prefix announced for the message endpoint")
	sseCmd.Flags().BoolVar(&flagMetrics, "metrics", false, "serve Prometheus metrics")
}

// newAnalysis builds the tool server shared by every session of the process.
func newAnalysis(cfg config.Config, logger *slog.Logger) (*cppast.Server, error) {
	return cppast.NewServer(
		cppast.WithWorkers(cfg.Analysis.Workers),
		cppast.WithQueries(cfg.Analysis.Queries),
		cppast.WithMaxDocumentBytes(cfg.Analysis.MaxDocumentBytes),
		cppast.WithAllowedRoots(cfg.Analysis.AllowedRoots),
		cppast.WithWatch(cfg.Analysis.Watch),
		cppast.WithObserver(mcp.NewLogObserver(logger)),
		cppast.WithLogger(logger),
	)
}

func newProtocolServer(
	cfg config.Config,
	transport mcp.ServerTransport,
	analysis *cppast.Server,
	logger *slog.Logger,
) mcp.Server {
	return mcp.NewServer(
		mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version},
		transport,
		mcp.WithToolServer(analysis),
		mcp.WithSessionReleaser(analysis),
		mcp.WithObserver(mcp.NewLogObserver(logger)),
		mcp.WithServerSendTimeout(cfg.SSE.SendTimeout),
		mcp.WithServerLogger(logger),
	)
}

func runStdio(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg, os.Stderr)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	analysis, err := newAnalysis(cfg, logger)
	if err != nil {
		return err
	}
	defer analysis.Close()
	go analysis.Run(ctx)

	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	srv := newProtocolServer(cfg, transport, analysis, logger)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()
	logger.Info("serving on stdio", slog.String("version", cfg.Server.Version))

	select {
	case <-served:
		logger.Info("input closed")
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return nil
}

func runSSE(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg, os.Stderr)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	var metrics *telemetry.Provider
	if cfg.Metrics.Enabled {
		var err error
		if metrics, err = telemetry.Setup(); err != nil {
			return err
		}
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	analysis, err := newAnalysis(cfg, logger)
	if err != nil {
		return err
	}
	defer analysis.Close()
	go analysis.Run(ctx)

	sse := mcp.NewSSEServer(cfg.MessageURL(),
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerRateLimit(cfg.SSE.RateLimit, cfg.SSE.RateBurst),
	)
	mux.Handle(cfg.SSE.SSEPath, sse.HandleSSE())
	mux.Handle(cfg.SSE.MessagePath, sse.HandleMessage())

	srv := newProtocolServer(cfg, sse, analysis, logger)
	go srv.Serve()

	httpSrv := &http.Server{
		Addr:              cfg.SSE.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	listenErr := make(chan error, 1)
	go func() {
		logger.Info("serving on sse",
			slog.String("addr", cfg.SSE.Addr),
			slog.String("messageURL", cfg.MessageURL()),
			slog.Bool("metrics", cfg.Metrics.Enabled))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
