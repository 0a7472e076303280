// Command spdb-lookup-backfill adds the lookup-key GSI attribute to
// legacy s3-index rows that predate it, parallelizable across workers
// via DynamoDB's segmented scan (grounded on
// original_source/spatialdb/utils/add_lookup_keys_to_s3_index.py).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jhuapl-boss/spdb/internal/config"
	"github.com/jhuapl-boss/spdb/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		tableName  string
		region     string
		endpoint   string
		maxItems   int32
		workerNum  int
		numWorkers int
	)

	cmd := &cobra.Command{
		Use:   "spdb-lookup-backfill",
		Short: "Backfill the lookup-key attribute on legacy s3-index rows",
		Long: "Scans the s3-index DynamoDB table for rows missing the lookup-key\n" +
			"GSI attribute and writes it back, derived from each row's object key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(config.LoggingConfig{
				Level:       "info",
				Format:      "console",
				OutputPaths: []string{"stdout"},
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			if workerNum >= numWorkers {
				return fmt.Errorf("spdb-lookup-backfill: --worker-num must be less than --num-workers")
			}

			w, err := newBackfillWorker(cmd.Context(), backfillConfig{
				tableName:  tableName,
				region:     region,
				endpoint:   endpoint,
				maxItems:   maxItems,
				workerNum:  int32(workerNum),
				numWorkers: int32(numWorkers),
			}, logger)
			if err != nil {
				return err
			}
			return w.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&tableName, "table-name", "t", "", "name of the s3-index table (required)")
	cmd.Flags().StringVarP(&region, "region", "r", "us-east-1", "AWS region the table lives in")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "optional DynamoDB endpoint override (local testing)")
	cmd.Flags().Int32VarP(&maxItems, "max-items", "m", 100, "max items to retrieve per scan page")
	cmd.Flags().IntVar(&workerNum, "worker-num", 0, "zero-based worker id for this process when parallelizing")
	cmd.Flags().IntVar(&numWorkers, "num-workers", 1, "total number of parallel processes scanning the table")
	cmd.MarkFlagRequired("table-name")

	return cmd
}
