package main

import (
	"context"
	"fmt"
	"math/rand"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jhuapl-boss/spdb/internal/config"
	"github.com/jhuapl-boss/spdb/internal/keys"
	"github.com/jhuapl-boss/spdb/internal/objectstore"
)

// backfillConfig collects the parsed flags needed to build one
// backfillWorker. workerNum/numWorkers map directly onto DynamoDB's
// parallel-scan Segment/TotalSegments.
type backfillConfig struct {
	tableName  string
	region     string
	endpoint   string
	maxItems   int32
	workerNum  int32
	numWorkers int32
}

// backfillWorker scans one segment of the s3-index table for rows
// missing the lookup-key GSI attribute and writes it back, derived
// from the row's object key.
type backfillWorker struct {
	store  *objectstore.Store
	logger *zap.Logger
	cfg    backfillConfig
}

func newBackfillWorker(ctx context.Context, cfg backfillConfig, logger *zap.Logger) (*backfillWorker, error) {
	store, err := objectstore.New(ctx, config.ObjectStoreConfig{
		Region:        cfg.region,
		DynamoDBURL:   cfg.endpoint,
		S3IndexTable:  cfg.tableName,
		LookupKeyMaxN: 100,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &backfillWorker{store: store, logger: logger, cfg: cfg}, nil
}

// run pages through this worker's scan segment until exhausted,
// backfilling every row it finds.
func (w *backfillWorker) run(ctx context.Context) error {
	var startKey map[string]ddbtypes.AttributeValue
	var total int

	for {
		items, lastKey, err := w.store.ScanMissingLookupKeys(ctx, w.cfg.workerNum, w.cfg.numWorkers, w.cfg.maxItems, startKey)
		if err != nil {
			return fmt.Errorf("spdb-lookup-backfill: scan failed: %w", err)
		}

		for _, item := range items {
			if err := w.backfillItem(ctx, item); err != nil {
				w.logger.Warn("spdb-lookup-backfill: failed to backfill item", zap.Error(err))
				continue
			}
			total++
		}

		w.logger.Info("spdb-lookup-backfill: scanned page",
			zap.Int32("worker", w.cfg.workerNum), zap.Int("page_items", len(items)), zap.Int("total_updated", total))

		if len(lastKey) == 0 {
			break
		}
		startKey = lastKey
	}

	w.logger.Info("spdb-lookup-backfill: done", zap.Int32("worker", w.cfg.workerNum), zap.Int("total_updated", total))
	return nil
}

func (w *backfillWorker) backfillItem(ctx context.Context, item map[string]ddbtypes.AttributeValue) error {
	objKeyAttr, ok := item["object-key"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return nil
	}
	verAttr, ok := item["version-node"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return nil
	}

	lookupKey, resolution, err := objectstore.ParseObjectKeyLookupParts(objKeyAttr.Value)
	if err != nil {
		return err
	}

	var version int
	if _, err := fmt.Sscanf(verAttr.Value, "%d", &version); err != nil {
		return fmt.Errorf("spdb-lookup-backfill: non-numeric version-node %q: %w", verAttr.Value, err)
	}

	shard := rand.Intn(100)
	attr := keys.LookupKeyAttr(lookupKey, resolution, shard)
	return w.store.SetLookupKeyAttr(ctx, objKeyAttr.Value, version, attr)
}
