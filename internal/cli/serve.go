package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forPelevin/voxprep/internal/engine"
	"github.com/forPelevin/voxprep/internal/httpapi"
	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/pipeline"
	"github.com/forPelevin/voxprep/internal/ports/adapters/objectstore"
	"github.com/forPelevin/voxprep/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload and export HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("bind", "", "Listen address (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
		cfg.Server.Bind = bind
	}
	if cfg.Paths.DBPath == "" {
		return errors.New("config: paths.db_path is required to serve")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	opts, strategy, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	history, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	defer history.Close()
	logger.Info("result history opened", "path", history.Path())

	eng, err := engine.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = eng.Shutdown(context.Background()) }()

	publish, err := objectstore.Open(cfg.Publish)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Initialize(ctx); err != nil {
		logger.Warn("transcription engine not ready, retrying on first upload", "error", err)
	}

	srv := httpapi.New(httpapi.Options{
		Processor: httpapi.PipelineProcessor{
			Base: pipeline.Config{
				OutDir:        cfg.Paths.OutputDir,
				WorkDir:       cfg.Paths.WorkDir,
				Workers:       cfg.Processing.Workers,
				Usecase:       opts,
				Logger:        logger,
				Publish:       publish,
				PublishPrefix: cfg.Publish.Prefix,
				Sink:          history,
			},
			Deps: pipeline.DepsFromConfig(cfg, eng, logger),
		},
		Results:         history,
		DefaultStrategy: strategy,
		MaxUploadBytes:  int64(cfg.Server.MaxUploadMB) << 20,
		UploadDir:       cfg.Paths.WorkDir,
		Logger:          logger,
	})
	return srv.Serve(ctx, cfg.Server.Bind)
}
