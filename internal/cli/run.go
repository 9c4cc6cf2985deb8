package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

func newRunCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score a batch of normalized events (NDJSON)",
		Example: `  riskctl run --file events.ndjson
  cat events.ndjson | riskctl run --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			var r io.Reader = a.stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", file, err)
				}
				defer f.Close()
				r = f
			}

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			events, err := orch.Ingestor().DecodeNDJSON(r)
			if err != nil {
				return err
			}

			run, err := orch.RunBatch(commandContext(cmd), events)
			if err != nil {
				return err
			}
			return a.printRun(run)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "NDJSON file of normalized events, - for stdin")
	return cmd
}

func newReEnrichCmd(a *app) *cobra.Command {
	var from, to string
	var trailing int

	cmd := &cobra.Command{
		Use:   "re-enrich",
		Short: "Replay scoring over stored events",
		Example: `  riskctl re-enrich --from 2024-03-01 --to 2024-03-31
  riskctl re-enrich --trailing 45`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ranged := from != "" || to != ""
			if ranged == (trailing > 0) {
				return fmt.Errorf("use either --from/--to or --trailing")
			}

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			var run *models.PipelineRun
			if trailing > 0 {
				run, err = orch.ReEnrichTrailing(commandContext(cmd), trailing)
			} else {
				fromDay, perr := models.ParseDay(from)
				if perr != nil {
					return fmt.Errorf("--from must be a YYYY-MM-DD date")
				}
				toDay, perr := models.ParseDay(to)
				if perr != nil {
					return fmt.Errorf("--to must be a YYYY-MM-DD date")
				}
				run, err = orch.ReEnrich(commandContext(cmd), fromDay, toDay)
			}
			if err != nil {
				return err
			}
			return a.printRun(run)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day to rescore (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day to rescore (YYYY-MM-DD)")
	cmd.Flags().IntVar(&trailing, "trailing", 0, "rescore this many days ending at the last stored day")
	return cmd
}

func (a *app) printRun(run *models.PipelineRun) error {
	return a.printer().Rows(run, runHeaders, runRows([]models.PipelineRun{*run}))
}
