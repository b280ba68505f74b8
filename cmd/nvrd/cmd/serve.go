package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhaus/nvrd/internal/api"
	"github.com/openhaus/nvrd/internal/cleanup"
	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/config"
	"github.com/openhaus/nvrd/internal/detector"
	"github.com/openhaus/nvrd/internal/motion"
	"github.com/openhaus/nvrd/internal/observability"
	"github.com/openhaus/nvrd/internal/pipeline"
	"github.com/openhaus/nvrd/internal/proc"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
	"github.com/openhaus/nvrd/internal/stream"
	"github.com/openhaus/nvrd/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nvrd supervisor and API",
	Long: `Start the recorder: the 1 Hz reconciliation loop supervising the
per-camera transcoders, motion polling, frame extraction and the shared
detection worker, plus the HTTP API and SSE event stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Fatal-only failure: nothing runs without the store.
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("opening store", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	clk := clock.System{}
	spawn := proc.Spawner(logger)
	broadcaster := push.NewBroadcaster(logger)

	streams := stream.NewController(cfg.FFmpeg.BinaryPath, spawn, clk, logger)
	det := detector.NewController(st, broadcaster, clk, spawn, logger)
	det.Cmd = cfg.Detector.Cmd
	det.Args = cfg.Detector.Args
	det.Dir = cfg.Detector.Dir
	processor := pipeline.NewProcessor(st, broadcaster, det, cfg.FFmpeg.BinaryPath, spawn, clk, logger)
	mot := motion.NewDetector(st, nil, broadcaster, clk, logger)
	cleaner := cleanup.NewCleaner(st, nil, logger)

	sup := supervisor.New(st, streams, mot, processor, det, cleaner, broadcaster, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)
	defer stop()

	// HTTP API (collaborator surface).
	apiServer := api.NewServer(st, broadcaster, cfg.Web.Path, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	// The supervisor blocks until a signal arrives, then runs the ordered
	// shutdown of every child before returning.
	err = sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if herr := httpServer.Shutdown(shutdownCtx); herr != nil {
		logger.Warn("http shutdown", slog.String("error", herr.Error()))
	}
	return err
}
