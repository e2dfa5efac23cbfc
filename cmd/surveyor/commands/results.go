package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/probelab/surveyor/internal/results"
	resultsqlite "github.com/probelab/surveyor/internal/results/sqlite"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query the results archive",
	Long: `Results reads an archive written by run --archive and prints matching
query records as JSON lines, newest first. With --runs it lists the archived
runs for a study instead.`,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	flags := resultsCmd.Flags()
	flags.String("archive", "", "SQLite results archive path (required)")
	flags.String("study", "", "filter by study id")
	flags.String("surface", "", "filter by surface name")
	flags.Bool("failed", false, "only failed queries")
	flags.String("category", "", "filter by failure category")
	flags.Int("limit", 0, "max records (0 = all)")
	flags.Bool("runs", false, "list runs for --study instead of records")

	_ = resultsCmd.MarkFlagRequired("archive")
}

func runResults(cmd *cobra.Command, args []string) error {
	archivePath, _ := cmd.Flags().GetString("archive")
	archive, err := resultsqlite.New(archivePath)
	if err != nil {
		logError("opening results archive: %v", err)
		return err
	}
	defer archive.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)

	if listRuns, _ := cmd.Flags().GetBool("runs"); listRuns {
		studyID, _ := cmd.Flags().GetString("study")
		if studyID == "" {
			return fmt.Errorf("--runs requires --study")
		}
		runs, err := archive.Runs(cmd.Context(), studyID)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	filter := results.Filter{}
	filter.StudyID, _ = cmd.Flags().GetString("study")
	filter.Surface, _ = cmd.Flags().GetString("surface")
	filter.Category, _ = cmd.Flags().GetString("category")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if failed, _ := cmd.Flags().GetBool("failed"); failed {
		success := false
		filter.Success = &success
	}

	records, err := archive.Records(cmd.Context(), filter)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
