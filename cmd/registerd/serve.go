package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"register/internal/adapters/rpc"
	"register/internal/blob"
	"register/internal/core"
	"register/internal/observability"
)

const closeTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the register server",
		Long: `Run the register server until interrupted.

Example:
  registerd serve --profile dev
  REGISTER_STORAGE_DRIVER=memory registerd serve -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return wrapExit(exitCommandError, "configure logging", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenRecordStore(ctx, cfg.Storage)
	if err != nil {
		return wrapExit(exitFailure, "open record store", err)
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		_ = store.Close(context.Background())
		return wrapExit(exitFailure, "open blob store", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		_ = store.Close(context.Background())
		return wrapExit(exitFailure, "register metrics", err)
	}

	svc := core.NewService(store,
		core.WithLogger(logger),
		core.WithMetrics(recorder),
		core.WithArchive(core.NewSignatureArchive(blobs)),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("close record store")
		}
	}()

	logger.Info().
		Str("storage", string(cfg.Storage.Driver)).
		Str("blob", string(cfg.Blob.Driver)).
		Bool("auth", len(cfg.Service.Tokens) > 0).
		Bool("tls", cfg.Service.TLS).
		Msg("starting")

	server := rpc.New(svc,
		rpc.WithLogger(logger),
		rpc.WithTokens(cfg.Service.Tokens),
		rpc.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)
	if err := server.ListenAndServe(ctx, cfg.Service); err != nil {
		return wrapExit(exitFailure, "serve", err)
	}
	return nil
}
