package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/rs/zerolog"
)

type fakeMetricsAPI struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeMetricsAPI) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestReportCompressionEmitsPerRegionData(t *testing.T) {
	fake := &fakeMetricsAPI{}
	cw := &CloudWatch{client: fake, log: zerolog.Nop()}

	cw.ReportCompression(context.Background(), CompressionSample{
		SourceBucket:   "src",
		SourcePrefix:   "logs",
		TargetRegions:  []string{"eu-west-1", "ap-south-1"},
		OriginalSize:   1000,
		CompressedSize: 400,
		ObjectCount:    3,
		Elapsed:        2 * time.Second,
		Level:          12,
	})

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one publish call, got %d", len(fake.inputs))
	}
	data := fake.inputs[0].MetricData
	// 3 batch-level datums plus 3 per region.
	if len(data) != 9 {
		t.Fatalf("expected 9 datums, got %d", len(data))
	}

	var savedPerRegion int
	for _, d := range data {
		if aws.ToString(d.MetricName) != "BytesSaved" {
			continue
		}
		savedPerRegion++
		if aws.ToFloat64(d.Value) != 600 {
			t.Fatalf("unexpected bytes saved: %f", aws.ToFloat64(d.Value))
		}
		var hasRegion bool
		for _, dim := range d.Dimensions {
			if aws.ToString(dim.Name) == "TargetRegion" {
				hasRegion = true
			}
		}
		if !hasRegion {
			t.Fatal("BytesSaved must carry a TargetRegion dimension")
		}
	}
	if savedPerRegion != 2 {
		t.Fatalf("expected BytesSaved per region, got %d", savedPerRegion)
	}
}

func TestReportDecompressionDimensions(t *testing.T) {
	fake := &fakeMetricsAPI{}
	cw := &CloudWatch{client: fake, log: zerolog.Nop()}

	cw.ReportDecompression(context.Background(), DecompressionSample{
		TargetBucket:     "dest",
		CompressedSize:   400,
		DecompressedSize: 1000,
		ObjectCount:      3,
		Elapsed:          time.Second,
	})

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one publish call, got %d", len(fake.inputs))
	}
	for _, d := range fake.inputs[0].MetricData {
		if len(d.Dimensions) != 1 || aws.ToString(d.Dimensions[0].Name) != "TargetBucket" {
			t.Fatalf("expected a single TargetBucket dimension: %+v", d.Dimensions)
		}
	}
}
