package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forPelevin/voxprep/internal/domain/manifest"
	"github.com/forPelevin/voxprep/internal/pipeline"
)

func newExportCSVCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-csv <results.json>",
		Short: "Build the training-data CSV from saved batch results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return runExportCSV(cmd, args[0], out)
		},
	}
	cmd.Flags().String("out", manifest.TrainingFilename, `Output CSV path, "-" for stdout`)
	return cmd
}

func runExportCSV(cmd *cobra.Command, resultsPath, out string) (err error) {
	results, err := pipeline.ReadResults(resultsPath)
	if err != nil {
		return err
	}
	rows := manifest.TrainingRows(results)

	if out == "-" {
		return manifest.WriteTraining(cmd.OutOrStdout(), rows)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := manifest.WriteTraining(bw, rows); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", len(rows), out)
	return nil
}
