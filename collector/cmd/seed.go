package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/relay/collector/internal/producer"
)

var (
	seedCount         int
	seedSeed          int64
	seedInterval      time.Duration
	seedAnonymousRate float64
	seedDrainTimeout  time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Deliver generated resolution messages",
	Long: `Generate fake resolution messages and deliver them through the normal
queue and sender, for exercising a relay deployment end to end.

Examples:
  collector seed --count 500
  collector seed --count 100 --interval 50ms --anonymous-rate 0.2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := newPipeline(ctx, cfg, logger.Logger, nil)
		if err != nil {
			return err
		}
		src := producer.NewGenerator(producer.GeneratorConfig{
			Count:         seedCount,
			Seed:          seedSeed,
			Interval:      seedInterval,
			SessionID:     p.sender.SessionID(),
			AnonymousRate: seedAnonymousRate,
		})

		res, err := p.run(ctx, src, seedDrainTimeout)
		printSummary(cmd.OutOrStdout(), res)
		return err
	},
}

func init() {
	seedCmd.Flags().IntVarP(&seedCount, "count", "n", 100, "number of events to generate")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 for time based)")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "delay between generated events")
	seedCmd.Flags().Float64Var(&seedAnonymousRate, "anonymous-rate", 0, "fraction of events sent without a logical id")
	seedCmd.Flags().DurationVar(&seedDrainTimeout, "drain-timeout", 2*time.Minute, "how long to keep delivering after generation ends")
	rootCmd.AddCommand(seedCmd)
}
