package settings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeDynamo struct {
	item      map[string]ddbtypes.AttributeValue
	updates   []*dynamodb.UpdateItemInput
	putErr    error
	updateErr error
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func levelEntry(trials, objects, benefit string) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
		"trials":      &ddbtypes.AttributeValueMemberN{Value: trials},
		"objects":     &ddbtypes.AttributeValueMemberN{Value: objects},
		"sum_benefit": &ddbtypes.AttributeValueMemberN{Value: benefit},
	}}
}

func TestDecodeRecord(t *testing.T) {
	item := map[string]ddbtypes.AttributeValue{
		"Version":             &ddbtypes.AttributeValueMemberN{Value: "42"},
		"SumCpuFactor":        &ddbtypes.AttributeValueMemberN{Value: "52.5"},
		"TotalProcessedFiles": &ddbtypes.AttributeValueMemberN{Value: "840"},
		"OptimalLevel":        &ddbtypes.AttributeValueMemberN{Value: "14"},
		"LevelStats": &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
			"12": levelEntry("20", "400", "7.25"),
		}},
	}

	record, err := decodeRecord("bucket/pfx/", item)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if record.Version != 42 || record.TotalProcessedFiles != 840 || record.OptimalLevel != 14 {
		t.Fatalf("scalar fields wrong: %+v", record)
	}
	stats := record.LevelStats[12]
	if stats.Trials != 20 || stats.Objects != 400 || stats.SumBenefit != 7.25 {
		t.Fatalf("level stats wrong: %+v", stats)
	}
	if got := record.AvgCPUFactor(); got != 1.25 {
		t.Fatalf("expected avg cpu factor 1.25, got %f", got)
	}
}

func TestAvgCPUFactorDefaultsToOne(t *testing.T) {
	r := &Record{}
	if got := r.AvgCPUFactor(); got != 1.0 {
		t.Fatalf("expected 1.0 for empty record, got %f", got)
	}
	var nilRecord *Record
	if got := nilRecord.AvgCPUFactor(); got != 1.0 {
		t.Fatalf("expected 1.0 for nil record, got %f", got)
	}
}

func TestCreateIfAbsentSwallowsExistingRecord(t *testing.T) {
	fake := &fakeDynamo{putErr: &ddbtypes.ConditionalCheckFailedException{}}
	repo := NewRepository(fake, "settings")

	if err := repo.CreateIfAbsent(context.Background(), "bucket/"); err != nil {
		t.Fatalf("existing record must not be an error: %v", err)
	}
}

func TestAtomicIncrementCreatesLevelEntry(t *testing.T) {
	fake := &fakeDynamo{item: map[string]ddbtypes.AttributeValue{
		"LevelStats": &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{}},
	}}
	repo := NewRepository(fake, "settings")

	if err := repo.AtomicIncrement(context.Background(), "bucket/", 12, 5, 1.0, 0.5); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if len(fake.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(fake.updates))
	}
	expr := *fake.updates[0].UpdateExpression
	if !strings.Contains(expr, ":level_data") {
		t.Fatalf("first trial must create the level entry: %s", expr)
	}
}

func TestAtomicIncrementAddsToExistingLevel(t *testing.T) {
	fake := &fakeDynamo{item: map[string]ddbtypes.AttributeValue{
		"LevelStats": &ddbtypes.AttributeValueMemberM{Value: map[string]ddbtypes.AttributeValue{
			"12": levelEntry("1", "5", "0.5"),
		}},
	}}
	repo := NewRepository(fake, "settings")

	if err := repo.AtomicIncrement(context.Background(), "bucket/", 12, 5, 1.0, 0.5); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	expr := *fake.updates[0].UpdateExpression
	if !strings.Contains(expr, "LevelStats.#level.trials") {
		t.Fatalf("existing level must use ADD on nested attributes: %s", expr)
	}
}

func TestConditionalUpdateMapsConflict(t *testing.T) {
	fake := &fakeDynamo{updateErr: &ddbtypes.ConditionalCheckFailedException{}}
	repo := NewRepository(fake, "settings")

	_, err := repo.ConditionalUpdate(context.Background(), "bucket/", 12, nil, 7)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConditionalUpdateReturnsNewVersion(t *testing.T) {
	fake := &fakeDynamo{}
	repo := NewRepository(fake, "settings")

	version, err := repo.ConditionalUpdate(context.Background(), "bucket/", 12,
		map[int]LevelStats{12: {Trials: 20, Objects: 40, SumBenefit: 3.5}}, 7)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if version != 8 {
		t.Fatalf("expected version 8, got %d", version)
	}
}
