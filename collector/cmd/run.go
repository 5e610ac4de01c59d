package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/relay/collector/internal/producer"
)

var (
	runInput        string
	runDrainTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deliver events read as NDJSON",
	Long: `Read one JSON event per line and deliver them to the ingestion API.

Each line is {"logicalId": "...", "payload": {"author": "...", "channel": "...",
"text": "...", "quoted": "..."}, "observedAt": "RFC3339"}; logicalId and
observedAt are optional. Extra payload keys are carried through untouched.

Examples:
  # Pipe events from another tool
  tail -F events.ndjson | collector run

  # Deliver a file and wait up to a minute for the queue to drain
  collector run --input events.ndjson --drain-timeout 1m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var in io.Reader = cmd.InOrStdin()
		if runInput != "" && runInput != "-" {
			f, err := os.Open(runInput)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()
			in = f
		}

		p, err := newPipeline(ctx, cfg, logger.Logger, nil)
		if err != nil {
			return err
		}
		src := producer.NewNDJSONReader(in, p.sender.SessionID(), logger.Logger)

		res, err := p.run(ctx, src, runDrainTimeout)
		printSummary(cmd.OutOrStdout(), res)
		return err
	},
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "-", "NDJSON file to read (- for stdin)")
	runCmd.Flags().DurationVar(&runDrainTimeout, "drain-timeout", 2*time.Minute, "how long to keep delivering after input ends")
	rootCmd.AddCommand(runCmd)
}
