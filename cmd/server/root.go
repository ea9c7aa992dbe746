package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hls-publisher/internal/platform/config"
	"hls-publisher/internal/platform/logger"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "hls-publisher",
		Short:         "Publish live RTMP streams as multi-rendition HLS",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := config.Load(envFile); err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
				return nil
			}
			// A missing .env is fine; the process environment and defaults apply.
			_ = config.Load()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file instead of .env")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func newRunCommand() *cobra.Command {
	var sourceURL, streamName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Publish a single stream in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStream(cmd.Context(), sourceURL, streamName, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sourceURL, "rtmp-url", "", "RTMP source URL")
	cmd.Flags().StringVar(&streamName, "stream", "", "Stream name")
	_ = cmd.MarkFlagRequired("rtmp-url")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadSettings()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, log, newEngine(cfg, log))
	if err != nil {
		return err
	}
	a.start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"output_root", cfg.OutputRoot,
		"store_backend", cfg.StoreBackend,
		"namespace", cfg.Namespace,
		"master_publish", string(cfg.MasterPublish),
		"log_level", cfg.LogLevel,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	case serveErr = <-errCh:
		log.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return errors.Join(serveErr, err)
	}

	log.Info("server stopped")
	return serveErr
}

// runStream publishes one stream until the transcoder exits or a signal
// arrives, printing the master playlist key once the job is accepted.
func runStream(parent context.Context, sourceURL, streamName string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadSettings()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, log, newEngine(cfg, log))
	if err != nil {
		return err
	}
	return a.runOne(ctx, sourceURL, streamName, out)
}

func (a *app) runOne(ctx context.Context, sourceURL, streamName string, out io.Writer) error {
	a.start()

	job, err := a.orch.Start(ctx, sourceURL, streamName)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.shutdown(shutdownCtx))
	}
	fmt.Fprintln(out, job.MasterKey)

	select {
	case <-ctx.Done():
		a.log.Info("signal received, stopping stream", "stream", string(job.Stream))
		job.Stop()
	case <-job.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := a.shutdown(shutdownCtx)
	return errors.Join(job.Err(), shutdownErr)
}
