// Package objectstore implements the durable L3 tier: cuboid blobs in
// S3 and three DynamoDB-shaped index tables (s3-index, id-index,
// id-count) tracking which object keys exist, which annotation ids a
// cuboid contains, and the per-channel next-id counter (spec.md §3.5,
// §4.8). The S3 client setup follows the teacher's AWS SDK v2
// wiring; DynamoDB is a same-vendor-family addition the teacher's
// go.mod doesn't carry but the spec's index tables are explicitly
// shaped for (see DESIGN.md).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/jhuapl-boss/spdb/internal/config"
	"github.com/jhuapl-boss/spdb/internal/keys"
	"github.com/jhuapl-boss/spdb/internal/spdberr"
)

// Store is the durable object-store client: one S3 bucket for blobs,
// three DynamoDB tables for indices.
type Store struct {
	s3     *s3.Client
	ddb    *dynamodb.Client
	logger *zap.Logger

	bucket        string
	s3IndexTable  string
	idIndexTable  string
	idCountTable  string
	lookupKeyMaxN int
}

// New loads AWS configuration (IAM role / env / static creds per the
// default credential chain) and builds the S3 and DynamoDB clients.
func New(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: failed to load AWS config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	s3Client := s3.NewFromConfig(awsCfg, s3Opts...)

	var ddbOpts []func(*dynamodb.Options)
	if cfg.DynamoDBURL != "" {
		ddbOpts = append(ddbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.DynamoDBURL)
		})
	}
	ddbClient := dynamodb.NewFromConfig(awsCfg, ddbOpts...)

	maxN := cfg.LookupKeyMaxN
	if maxN <= 0 {
		maxN = 100
	}

	return &Store{
		s3:            s3Client,
		ddb:           ddbClient,
		logger:        logger,
		bucket:        cfg.Bucket,
		s3IndexTable:  cfg.S3IndexTable,
		idIndexTable:  cfg.IDIndexTable,
		idCountTable:  cfg.IDCountTable,
		lookupKeyMaxN: maxN,
	}, nil
}

// GetSingleObject fetches one cuboid blob from durable storage.
func (s *Store) GetSingleObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.ObjectStoreError, fmt.Sprintf("objectstore: get object %q failed", key))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: failed to read object body")
	}
	return data, nil
}

// GetObjects fetches a batch of cuboid blobs, one request per key
// (S3 has no native batch-get).
func (s *Store) GetObjects(ctx context.Context, keyList []string) ([][]byte, error) {
	out := make([][]byte, len(keyList))
	for i, k := range keyList {
		blob, err := s.GetSingleObject(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = blob
	}
	return out, nil
}

// PutObjects writes a batch of cuboid blobs.
func (s *Store) PutObjects(ctx context.Context, keyList []string, blobs [][]byte) error {
	if len(keyList) != len(blobs) {
		return spdberr.New(spdberr.SpdbError, "objectstore: PutObjects keys/blobs length mismatch")
	}
	for i, k := range keyList {
		_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
			Body:   bytes.NewReader(blobs[i]),
		})
		if err != nil {
			return spdberr.Wrap(err, spdberr.ObjectStoreError, fmt.Sprintf("objectstore: put object %q failed", k))
		}
	}
	return nil
}

// CuboidsExist partitions keyList into existing and missing indices
// by point-reading the s3-index table.
func (s *Store) CuboidsExist(ctx context.Context, keyList []string, version int) (existIdx, missingIdx []int, err error) {
	for i, k := range keyList {
		out, getErr := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.s3IndexTable),
			Key: map[string]ddbtypes.AttributeValue{
				"object-key":   &ddbtypes.AttributeValueMemberS{Value: k},
				"version-node": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
			},
			ConsistentRead: aws.Bool(true),
		})
		if getErr != nil {
			return nil, nil, spdberr.Wrap(getErr, spdberr.ObjectStoreError, "objectstore: s3-index read failed")
		}
		if len(out.Item) == 0 {
			missingIdx = append(missingIdx, i)
		} else {
			existIdx = append(existIdx, i)
		}
	}
	return existIdx, missingIdx, nil
}

// AddCuboidToIndex inserts or overwrites the s3-index row for
// objectKey, computing its sharded ingest-id-hash and lookup-key GSI
// attributes.
func (s *Store) AddCuboidToIndex(ctx context.Context, lookupKey string, resolution int, objectKey string, version, ingestJob int) error {
	shard := rand.Intn(s.lookupKeyMaxN)
	item := map[string]ddbtypes.AttributeValue{
		"object-key":      &ddbtypes.AttributeValueMemberS{Value: objectKey},
		"version-node":    &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		"ingest-id-hash":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", ingestJob*s.lookupKeyMaxN+shard)},
		"lookup-key":      &ddbtypes.AttributeValueMemberS{Value: keys.LookupKeyAttr(lookupKey, resolution, shard)},
	}
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.s3IndexTable), Item: item})
	if err != nil {
		return spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: add cuboid to index failed")
	}
	return nil
}

// UpdateIDIndices decompresses each (key, blob) pair, computes its
// non-zero unique id set, stores it on the cuboid's s3-index row, and
// appends the cuboid's Morton to every id's cuboid-set in the
// id-index table. Follows the spec's throttling-backoff contract:
// ProvisionedThroughputExceededException retries up to 6 times with
// exponential backoff; a 413 payload-too-large is logged and skipped
// rather than retried.
func (s *Store) UpdateIDIndices(ctx context.Context, lookupKey string, resolution int, objectKeys []string, idSets [][]uint64, version int) error {
	if len(objectKeys) != len(idSets) {
		return spdberr.New(spdberr.SpdbError, "objectstore: UpdateIDIndices keys/idSets length mismatch")
	}
	for i, objKey := range objectKeys {
		ids := idSets[i]
		if len(ids) == 0 {
			continue
		}
		idSet := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != 0 {
				idSet = append(idSet, fmt.Sprintf("%d", id))
			}
		}
		if len(idSet) == 0 {
			continue
		}

		err := s.retryingUpdate(ctx, func() error {
			_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.s3IndexTable),
				Key: map[string]ddbtypes.AttributeValue{
					"object-key":   &ddbtypes.AttributeValueMemberS{Value: objKey},
					"version-node": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
				},
				UpdateExpression:          aws.String("SET #idset = :ids"),
				ExpressionAttributeNames:  map[string]string{"#idset": "id-set"},
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":ids": &ddbtypes.AttributeValueMemberNS{Value: idSet}},
			})
			return err
		})
		if err != nil {
			if isPayloadTooLarge(err) {
				s.logger.Warn("objectstore: id-set too large for s3-index row, skipping", zap.String("object_key", objKey))
				continue
			}
			return spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: s3-index id-set update failed")
		}

		morton := mortonSuffix(objKey)
		for _, id := range ids {
			if id == 0 {
				continue
			}
			channelIDKey := keys.IDIndexKey(lookupKey, resolution, id)
			err := s.retryingUpdate(ctx, func() error {
				_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
					TableName: aws.String(s.idIndexTable),
					Key: map[string]ddbtypes.AttributeValue{
						"channel-id-key": &ddbtypes.AttributeValueMemberS{Value: channelIDKey},
						"version":        &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
					},
					UpdateExpression:          aws.String("ADD #cuboidset :objkey"),
					ExpressionAttributeNames:  map[string]string{"#cuboidset": "cuboid-set"},
					ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":objkey": &ddbtypes.AttributeValueMemberSS{Value: []string{morton}}},
				})
				return err
			})
			if err != nil {
				if isPayloadTooLarge(err) {
					s.logger.Warn("objectstore: id in too many cuboids, skipping id-index update", zap.String("channel_id_key", channelIDKey))
					continue
				}
				return spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: id-index update failed")
			}
		}
	}
	return nil
}

// retryingUpdate retries fn up to 6 times with exponential backoff on
// a throughput-exceeded condition, matching the source's backoff
// schedule: (2^attempt + jitter/1000)/10 seconds.
func (s *Store) retryingUpdate(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 6; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isThroughputExceeded(err) {
			return err
		}
		lastErr = err
		backoff := time.Duration((1<<uint(attempt))*100+rand.Intn(100)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isThroughputExceeded(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ProvisionedThroughputExceededException"
	}
	return false
}

func isPayloadTooLarge(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationException" || apiErr.ErrorCode() == "413"
	}
	return false
}

func mortonSuffix(objectKey string) string {
	idx := len(objectKey)
	count := 0
	for i := len(objectKey) - 1; i >= 0; i-- {
		if objectKey[i] == '&' {
			count++
			if count == 1 {
				idx = i + 1
				break
			}
		}
	}
	return objectKey[idx:]
}

// CuboidsForID returns the Morton codes of every cuboid in the
// id-index's cuboid-set for (lookupKey, resolution, id). Satisfies
// objectindex.IDIndex.
func (s *Store) CuboidsForID(ctx context.Context, lookupKey string, resolution int, id uint64) ([]uint64, error) {
	channelIDKey := keys.IDIndexKey(lookupKey, resolution, id)
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.idIndexTable),
		Key: map[string]ddbtypes.AttributeValue{
			"channel-id-key": &ddbtypes.AttributeValueMemberS{Value: channelIDKey},
			"version":        &ddbtypes.AttributeValueMemberN{Value: "0"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: id-index read failed")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	set, ok := out.Item["cuboid-set"].(*ddbtypes.AttributeValueMemberSS)
	if !ok {
		return nil, nil
	}
	mortons := make([]uint64, 0, len(set.Value))
	for _, s := range set.Value {
		var m uint64
		if _, err := fmt.Sscanf(s, "%d", &m); err == nil {
			mortons = append(mortons, m)
		}
	}
	return mortons, nil
}

// IDSetForObject returns the non-zero annotation ids tracked on the
// s3-index row for objectKey. Satisfies objectindex.IDIndex.
func (s *Store) IDSetForObject(ctx context.Context, objectKey string) ([]uint64, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.s3IndexTable),
		Key: map[string]ddbtypes.AttributeValue{
			"object-key":   &ddbtypes.AttributeValueMemberS{Value: objectKey},
			"version-node": &ddbtypes.AttributeValueMemberN{Value: "0"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: s3-index id-set read failed")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	set, ok := out.Item["id-set"].(*ddbtypes.AttributeValueMemberNS)
	if !ok {
		return nil, nil
	}
	ids := make([]uint64, 0, len(set.Value))
	for _, s := range set.Value {
		var id uint64
		if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ScanMissingLookupKeys pages through the s3-index table returning
// rows that have no lookup-key GSI attribute yet, for backfilling
// legacy rows written before the attribute existed. When totalSegments
// is greater than 1 it scans only the given segment, matching
// DynamoDB's parallel-scan partitioning. Retries up to 6 times with
// exponential backoff on a throughput-exceeded response, mirroring
// retryingUpdate's schedule.
func (s *Store) ScanMissingLookupKeys(ctx context.Context, segment, totalSegments, limit int32, startKey map[string]ddbtypes.AttributeValue) (items []map[string]ddbtypes.AttributeValue, lastKey map[string]ddbtypes.AttributeValue, err error) {
	in := &dynamodb.ScanInput{
		TableName:                aws.String(s.s3IndexTable),
		Limit:                    aws.Int32(limit),
		ProjectionExpression:     aws.String("#objkey,#vernode,#lookupkey"),
		FilterExpression:         aws.String("attribute_not_exists(#lookupkey)"),
		ExpressionAttributeNames: map[string]string{"#objkey": "object-key", "#vernode": "version-node", "#lookupkey": "lookup-key"},
		ConsistentRead:           aws.Bool(true),
	}
	if len(startKey) > 0 {
		in.ExclusiveStartKey = startKey
	}
	if totalSegments > 1 {
		in.Segment = aws.Int32(segment)
		in.TotalSegments = aws.Int32(totalSegments)
	}

	var out *dynamodb.ScanOutput
	for attempt := 0; attempt < 6; attempt++ {
		out, err = s.ddb.Scan(ctx, in)
		if err == nil {
			return out.Items, out.LastEvaluatedKey, nil
		}
		if !isThroughputExceeded(err) {
			return nil, nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: s3-index scan failed")
		}
		backoff := time.Duration((1<<uint(attempt))*100+rand.Intn(100)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: s3-index scan exhausted retries")
}

// ParseObjectKeyLookupParts recovers the lookup key and resolution
// embedded in an object-store blob key. ObjectKey always appends the
// plaintext lookupKey&resolution&t&morton body after its hash prefix
// (and optional ISO segment), so the parts are recoverable without a
// reverse index.
func ParseObjectKeyLookupParts(objectKey string) (lookupKey string, resolution int, err error) {
	segs := strings.Split(objectKey, "&")
	if len(segs) > 1 && segs[1] == "ISO" {
		segs = append(segs[:1], segs[2:]...)
	}
	// segs[0] is the hash; the last three are resolution, t, morton.
	if len(segs) < 4 {
		return "", 0, spdberr.Newf(spdberr.SerializationError, "objectstore: malformed object key %q", objectKey)
	}
	body := segs[1 : len(segs)-3]
	resolution, convErr := strconv.Atoi(segs[len(segs)-3])
	if convErr != nil {
		return "", 0, spdberr.Wrap(convErr, spdberr.SerializationError, "objectstore: object key resolution segment not numeric")
	}
	return strings.Join(body, "&"), resolution, nil
}

// SetLookupKeyAttr writes a sharded lookup-key GSI attribute onto an
// existing s3-index row, used by the legacy backfill tool. Retries up
// to 6 times with exponential backoff on throttling.
func (s *Store) SetLookupKeyAttr(ctx context.Context, objectKey string, versionNode int, lookupKeyAttr string) error {
	return s.retryingUpdate(ctx, func() error {
		_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.s3IndexTable),
			Key: map[string]ddbtypes.AttributeValue{
				"object-key":   &ddbtypes.AttributeValueMemberS{Value: objectKey},
				"version-node": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", versionNode)},
			},
			UpdateExpression:          aws.String("SET #lookupkey = :lookupkey"),
			ExpressionAttributeNames:  map[string]string{"#lookupkey": "lookup-key"},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":lookupkey": &ddbtypes.AttributeValueMemberS{Value: lookupKeyAttr}},
		})
		return err
	})
}

// ReserveIDBlock performs a single read-then-conditional-increment
// attempt against the id-count table, returning the first id of the
// reserved block. Callers (objectindex.ReserveIDs) retry on
// ConditionalCheckFailedException until the overall timeout elapses.
func (s *Store) ReserveIDBlock(ctx context.Context, lookupKey string, numIDs uint64) (uint64, error) {
	channelKey := keys.IDCountKey(lookupKey)

	cur, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.idCountTable),
		Key:            map[string]ddbtypes.AttributeValue{"channel-key": &ddbtypes.AttributeValueMemberS{Value: channelKey}, "version": &ddbtypes.AttributeValueMemberN{Value: "0"}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: id-count read failed")
	}

	if len(cur.Item) == 0 {
		_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.idCountTable),
			Item: map[string]ddbtypes.AttributeValue{
				"channel-key": &ddbtypes.AttributeValueMemberS{Value: channelKey},
				"version":     &ddbtypes.AttributeValueMemberN{Value: "0"},
				"next_id":     &ddbtypes.AttributeValueMemberN{Value: "1"},
			},
		})
		if err != nil {
			return 0, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: id-count init failed")
		}
		cur.Item = map[string]ddbtypes.AttributeValue{"next_id": &ddbtypes.AttributeValueMemberN{Value: "1"}}
	}

	nextIDAttr, ok := cur.Item["next_id"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, spdberr.New(spdberr.ObjectStoreError, "objectstore: id-count row missing next_id attribute")
	}
	var nextID uint64
	if _, err := fmt.Sscanf(nextIDAttr.Value, "%d", &nextID); err != nil {
		return 0, spdberr.Wrap(err, spdberr.ObjectStoreError, "objectstore: id-count next_id not numeric")
	}

	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.idCountTable),
		Key: map[string]ddbtypes.AttributeValue{
			"channel-key": &ddbtypes.AttributeValueMemberS{Value: channelKey},
			"version":     &ddbtypes.AttributeValueMemberN{Value: "0"},
		},
		UpdateExpression:          aws.String("SET next_id = next_id + :inc"),
		ConditionExpression:       aws.String("next_id = :exp"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":inc": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", numIDs)},
			":exp": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", nextID)},
		},
	})
	if err != nil {
		return 0, err
	}

	return nextID, nil
}
