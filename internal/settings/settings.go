// Package settings stores per-(bucket,prefix) compression statistics in a
// shared DynamoDB table. Many agent instances across regions update the same
// key concurrently, so all mutation goes through atomic ADD updates or a
// version-guarded conditional write.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// LevelStats aggregates outcomes for one compression level.
type LevelStats struct {
	Trials     int64
	Objects    int64
	SumBenefit float64
}

// Record is the stored state for one (bucket, normalized-prefix) key.
// Version is a monotonic counter doubling as the optimistic-concurrency token.
type Record struct {
	Key                 string
	Version             int64
	SumCPUFactor        float64
	TotalProcessedFiles int64
	OptimalLevel        int
	LevelStats          map[int]LevelStats
	LastUpdated         int64
}

// AvgCPUFactor returns the fleet average CPU factor, 1.0 when no versions
// have accumulated.
func (r *Record) AvgCPUFactor() float64 {
	if r == nil || r.Version == 0 {
		return 1.0
	}
	return r.SumCPUFactor / float64(r.Version)
}

// API is the slice of the DynamoDB client the repository uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// ErrVersionConflict is returned by ConditionalUpdate when the stored version
// no longer matches the one read.
var ErrVersionConflict = errors.New("settings version conflict")

type Repository struct {
	client API
	table  string
}

func NewRepository(client API, table string) *Repository {
	return &Repository{client: client, table: table}
}

// Get retrieves the record for key, nil when absent.
func (r *Repository) Get(ctx context.Context, key string) (*Record, error) {
	return r.get(ctx, key, false)
}

// GetConsistent is the strongly-consistent read used by the
// optimistic-concurrency path.
func (r *Repository) GetConsistent(ctx context.Context, key string) (*Record, error) {
	return r.get(ctx, key, true)
}

func (r *Repository) get(ctx context.Context, key string, consistent bool) (*Record, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            recordKey(key),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, fmt.Errorf("get settings %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decodeRecord(key, out.Item)
}

// CreateIfAbsent writes a zero-initialized record. Losing the race to another
// agent is not an error.
func (r *Repository) CreateIfAbsent(ctx context.Context, key string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]ddbtypes.AttributeValue{
			"BucketPrefix":        &ddbtypes.AttributeValueMemberS{Value: key},
			"Version":             &ddbtypes.AttributeValueMemberN{Value: "0"},
			"SumCpuFactor":        &ddbtypes.AttributeValueMemberN{Value: "0"},
			"TotalProcessedFiles": &ddbtypes.AttributeValueMemberN{Value: "0"},
			"LevelStats":          &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{}},
			"LastUpdated":         &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(BucketPrefix)"),
	})
	var conditionFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create settings %s: %w", key, err)
	}
	return nil
}

// AtomicIncrement folds one batch's outcome into the record with a single
// ADD-based update, so concurrent agents never lose updates. The level entry
// is created inline when this level has not been tried before.
func (r *Repository) AtomicIncrement(ctx context.Context, key string, level int, fileCount int64, cpuFactor, benefit float64) error {
	levelExists, err := r.levelExists(ctx, key, level)
	if err != nil {
		return err
	}

	levelAttr := strconv.Itoa(level)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	values := map[string]ddbtypes.AttributeValue{
		":one":        &ddbtypes.AttributeValueMemberN{Value: "1"},
		":file_count": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(fileCount, 10)},
		":cpu_factor": &ddbtypes.AttributeValueMemberN{Value: formatFloat(cpuFactor)},
		":time":       &ddbtypes.AttributeValueMemberN{Value: now},
	}

	var expr string
	if levelExists {
		expr = "ADD Version :one, TotalProcessedFiles :file_count, SumCpuFactor :cpu_factor, " +
			"LevelStats.#level.trials :one, LevelStats.#level.objects :file_count, LevelStats.#level.sum_benefit :benefit " +
			"SET LastUpdated = :time"
		values[":benefit"] = &ddbtypes.AttributeValueMemberN{Value: formatFloat(benefit)}
	} else {
		expr = "ADD Version :one, TotalProcessedFiles :file_count, SumCpuFactor :cpu_factor " +
			"SET LevelStats.#level = :level_data, LastUpdated = :time"
		values[":level_data"] = &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
			"trials":      &ddbtypes.AttributeValueMemberN{Value: "1"},
			"objects":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(fileCount, 10)},
			"sum_benefit": &ddbtypes.AttributeValueMemberN{Value: formatFloat(benefit)},
		}}
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       recordKey(key),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#level": levelAttr},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("update settings %s level %d: %w", key, level, err)
	}
	return nil
}

// ConditionalUpdate persists a recalculated baseline optimal level and a
// replacement history, guarded by the version read beforehand. Returns the
// new version on success and ErrVersionConflict when another writer advanced
// the record in the meantime.
func (r *Repository) ConditionalUpdate(ctx context.Context, key string, newOptimalLevel int, newHistory map[int]LevelStats, expectedVersion int64) (int64, error) {
	statsAttr := map[string]ddbtypes.AttributeValue{}
	for level, stats := range newHistory {
		statsAttr[strconv.Itoa(level)] = &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
			"trials":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(stats.Trials, 10)},
			"objects":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(stats.Objects, 10)},
			"sum_benefit": &ddbtypes.AttributeValueMemberN{Value: formatFloat(stats.SumBenefit)},
		}}
	}

	newVersion := expectedVersion + 1
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.table),
		Key:       recordKey(key),
		UpdateExpression: aws.String(
			"SET OptimalLevel = :optimal, LevelStats = :history, Version = :new_version, LastUpdated = :time"),
		ConditionExpression: aws.String("Version = :expected"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":optimal":     &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(newOptimalLevel)},
			":history":     &ddbtypes.AttributeValueMemberM{Value: statsAttr},
			":new_version": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(newVersion, 10)},
			":expected":    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			":time":        &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	var conditionFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("conditional update %s: %w", key, err)
	}
	return newVersion, nil
}

func (r *Repository) levelExists(ctx context.Context, key string, level int) (bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(r.table),
		Key:                  recordKey(key),
		ProjectionExpression: aws.String("LevelStats"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("check level for %s: %w", key, err)
	}
	stats, ok := out.Item["LevelStats"].(*ddbtypes.AttributeValueMemberM)
	if !ok {
		return false, nil
	}
	_, exists := stats.Value[strconv.Itoa(level)]
	return exists, nil
}

func recordKey(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"BucketPrefix": &ddbtypes.AttributeValueMemberS{Value: key},
	}
}

func decodeRecord(key string, item map[string]ddbtypes.AttributeValue) (*Record, error) {
	record := &Record{Key: key, LevelStats: map[int]LevelStats{}}

	record.Version = numberAttr(item, "Version")
	record.TotalProcessedFiles = numberAttr(item, "TotalProcessedFiles")
	record.LastUpdated = numberAttr(item, "LastUpdated")
	record.SumCPUFactor = floatAttr(item, "SumCpuFactor")
	record.OptimalLevel = int(numberAttr(item, "OptimalLevel"))

	stats, ok := item["LevelStats"].(*ddbtypes.AttributeValueMemberM)
	if !ok {
		return record, nil
	}
	for levelStr, attr := range stats.Value {
		level, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("decode settings %s: bad level %q", key, levelStr)
		}
		entry, ok := attr.(*ddbtypes.AttributeValueMemberM)
		if !ok {
			continue
		}
		record.LevelStats[level] = LevelStats{
			Trials:     numberAttr(entry.Value, "trials"),
			Objects:    numberAttr(entry.Value, "objects"),
			SumBenefit: floatAttr(entry.Value, "sum_benefit"),
		}
	}
	return record, nil
}

func numberAttr(item map[string]ddbtypes.AttributeValue, name string) int64 {
	if attr, ok := item[name].(*ddbtypes.AttributeValueMemberN); ok {
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func floatAttr(item map[string]ddbtypes.AttributeValue, name string) float64 {
	if attr, ok := item[name].(*ddbtypes.AttributeValueMemberN); ok {
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return v
		}
	}
	return 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
