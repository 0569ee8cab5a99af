package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forPelevin/voxprep/internal/config"
	"github.com/forPelevin/voxprep/internal/engine"
	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/pipeline"
	"github.com/forPelevin/voxprep/internal/ports/adapters/objectstore"
	"github.com/forPelevin/voxprep/internal/store"
	"github.com/forPelevin/voxprep/internal/types"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <files...>",
		Short: "Normalize, assess, transcribe and segment voice messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, args)
		},
	}

	f := cmd.Flags()
	f.String("segmentation", "", "Segmentation strategy: sentence, paragraph or time")
	f.String("out", "", "Output directory (default from config)")
	f.Int("workers", 0, "Files processed in parallel (default from config)")
	f.String("gate", "", "What to do with poor audio: skip or warn")
	f.String("policy", "", "Quality scoring policy: additive or subtractive")
	f.String("name", "batch", "Batch name used for the run directory")
	f.Bool("json", false, "Print the batch report as JSON")
	return cmd
}

func runProcess(cmd *cobra.Command, inputs []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyProcessFlags(cmd, cfg); err != nil {
		return fmt.Errorf("config: %w", err)
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

	sources := make([]pipeline.Source, 0, len(inputs))
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		sources = append(sources, pipeline.Source{Filename: filepath.Base(in), Path: abs})
	}

	eng, err := engine.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = eng.Shutdown(context.Background()) }()

	publish, err := objectstore.Open(cfg.Publish)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var sink pipeline.ResultSink
	if cfg.Paths.DBPath != "" {
		history, err := store.Open(cfg.Paths.DBPath)
		if err != nil {
			return err
		}
		defer history.Close()
		sink = history
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, _ := cmd.Flags().GetString("name")
	rep, runErr := pipeline.Run(ctx, pipeline.Config{
		Sources:       sources,
		OutDir:        cfg.Paths.OutputDir,
		BatchName:     name,
		WorkDir:       cfg.Paths.WorkDir,
		Strategy:      strategy,
		Workers:       cfg.Processing.Workers,
		Usecase:       opts,
		Logger:        logger,
		Publish:       publish,
		PublishPrefix: cfg.Publish.Prefix,
		Sink:          sink,
	}, pipeline.DepsFromConfig(cfg, eng, logger))

	if len(rep.Results) > 0 {
		asJSON, _ := cmd.Flags().GetBool("json")
		if err := printReport(cmd.OutOrStdout(), rep, asJSON); err != nil {
			return err
		}
	}
	return runErr
}

// applyProcessFlags overrides config values with explicitly set flags and
// revalidates the result.
func applyProcessFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("segmentation") {
		v, _ := f.GetString("segmentation")
		cfg.Processing.Segmentation = strings.ToLower(strings.TrimSpace(v))
	}
	if f.Changed("gate") {
		v, _ := f.GetString("gate")
		cfg.Processing.Gate = strings.ToLower(strings.TrimSpace(v))
	}
	if f.Changed("policy") {
		v, _ := f.GetString("policy")
		cfg.Processing.QualityPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if f.Changed("workers") {
		v, _ := f.GetInt("workers")
		cfg.Processing.Workers = v
	}
	if f.Changed("out") {
		v, _ := f.GetString("out")
		out, err := config.ExpandPath(v)
		if err != nil {
			return err
		}
		cfg.Paths.OutputDir = out
	}
	return cfg.Validate()
}

func printReport(w io.Writer, rep pipeline.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	headers := []string{"#", "File", "Status", "Quality", "Segments", "Language", "Detail"}
	rows := make([][]string, 0, len(rep.Results))
	for i, res := range rep.Results {
		quality := "-"
		if res.Quality != nil {
			quality = strconv.Itoa(res.Quality.Score)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			res.Filename,
			string(res.Status),
			quality,
			strconv.Itoa(len(res.Segments)),
			orDash(res.Language),
			detail(res),
		})
	}
	fmt.Fprintln(w, renderTable(headers, rows, []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight}, isTerminal(w)))

	ok, failed := rep.Counts()
	fmt.Fprintf(w, "%d succeeded, %d failed\n", ok, failed)
	if rep.RunDir != "" {
		fmt.Fprintf(w, "Run directory: %s\n", rep.RunDir)
	}
	if rep.TrainingPath != "" {
		fmt.Fprintf(w, "Training CSV:  %s\n", rep.TrainingPath)
	}
	if rep.Published > 0 {
		fmt.Fprintf(w, "Published %d files\n", rep.Published)
	}
	return nil
}

func detail(res types.BatchResult) string {
	switch {
	case res.Error != "":
		return res.Error
	case res.TranscriptError != "":
		return "transcription: " + res.TranscriptError
	case res.Quality != nil && len(res.Quality.Issues) > 0:
		return strings.Join(res.Quality.Issues, "; ")
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
