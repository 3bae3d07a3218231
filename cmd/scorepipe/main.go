// Command scorepipe drives a line-oriented scoring engine from the shell.
// Pre-formatted input lines are read from stdin, pushed through the driver
// under a deadline, and the scores are printed one per line.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	scorepipe "github.com/bkral/go-scorepipe"
	"github.com/bkral/go-scorepipe/internal/logging"
)

var (
	flagTimeout  time.Duration
	flagBatch    int
	flagBlocking bool
	flagAudit    bool
	flagVerbose  bool
	flagEnvFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scorepipe [flags] -- engine-command [engine-args...]",
		Short: "Deadline-bounded batch scoring over a child engine's stdin/stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", time.Second, "per-call deadline (0 drains leftovers only)")
	rootCmd.Flags().IntVar(&flagBatch, "batch", scorepipe.DefaultBatchSize, "lines per batch")
	rootCmd.Flags().BoolVar(&flagBlocking, "blocking", false, "use the blocking scheduler (throughput over tail latency)")
	rootCmd.Flags().BoolVar(&flagAudit, "audit", false, "audit mode: print per-feature contributions per line")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging and per-call counters")
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", "", "load environment from this .env file first")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scorepipe:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return fmt.Errorf("load %s: %w", flagEnvFile, err)
		}
	}

	logConfig := logging.DefaultConfig()
	if flagVerbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := scorepipe.DefaultParams(args)
	params.Blocking = flagBlocking
	params.AuditMode = flagAudit
	params.BatchSize = flagBatch

	driver, err := scorepipe.New(params, scorepipe.DummyFormatter{}, &scorepipe.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer driver.Close()

	var items []scorepipe.Item
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for in.Scan() {
		items = append(items, in.Text())
	}
	if err := in.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	if flagAudit {
		return explainAll(driver, items)
	}

	var cm scorepipe.CallMetrics
	stream, err := driver.Predict(nil, items, flagTimeout, scorepipe.WithCallMetrics(&cm))
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for {
		v, ok := stream.Next()
		if !ok {
			break
		}
		fmt.Fprintf(out, "%g\n", v)
	}
	if err := stream.Err(); err != nil {
		return err
	}

	if flagVerbose {
		logger.Info("call finished",
			"items", len(items),
			"scored", stream.Yielded(),
			"owed", driver.EngineOwes(),
			"batches", cm.BatchesWritten,
			"polls", cm.PollCalls,
			"elapsed", time.Duration(cm.ElapsedNs))
	}
	return nil
}

func explainAll(driver *scorepipe.Driver, items []scorepipe.Item) error {
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for _, item := range items {
		line, ok := item.(string)
		if !ok {
			continue
		}
		rec, err := driver.ExplainLine(line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "score %.6f\n", rec.Score())
		for _, g := range rec.TopContributions(nil) {
			fmt.Fprintf(out, "  %s^%s\t%+.6f\n", g.Namespace, g.Label, g.Impact)
		}
	}
	return nil
}
