// Package metrics publishes replication telemetry to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"
)

const namespace = "S3CrossRegionCompressor"

// CompressionSample captures one source-side batch.
type CompressionSample struct {
	SourceBucket   string
	SourcePrefix   string
	TargetRegions  []string
	OriginalSize   int64
	CompressedSize int64
	ObjectCount    int
	Elapsed        time.Duration
	Level          int
}

// DecompressionSample captures one target-side archive.
type DecompressionSample struct {
	TargetBucket     string
	CompressedSize   int64
	DecompressedSize int64
	ObjectCount      int
	Elapsed          time.Duration
}

// Reporter receives telemetry samples. Implementations must tolerate being
// called from the agent's hot path and should never block on failure.
type Reporter interface {
	ReportCompression(ctx context.Context, s CompressionSample)
	ReportDecompression(ctx context.Context, s DecompressionSample)
}

type putMetricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes samples via PutMetricData. Publish failures are
// logged and dropped so telemetry never stalls replication.
type CloudWatch struct {
	client putMetricsAPI
	log    zerolog.Logger
}

func NewCloudWatch(client *cloudwatch.Client, log zerolog.Logger) *CloudWatch {
	return &CloudWatch{client: client, log: log}
}

func (c *CloudWatch) ReportCompression(ctx context.Context, s CompressionSample) {
	bytesSaved := s.OriginalSize - s.CompressedSize
	base := []types.Dimension{
		{Name: aws.String("SourceBucket"), Value: aws.String(s.SourceBucket)},
		{Name: aws.String("SourcePrefix"), Value: aws.String(s.SourcePrefix)},
	}

	data := []types.MetricDatum{
		datum("Objects", float64(s.ObjectCount), types.StandardUnitCount, base),
		datum("CompressionTime", s.Elapsed.Seconds(), types.StandardUnitSeconds, base),
		datum("CompressionLevel", float64(s.Level), types.StandardUnitNone, base),
	}
	for _, region := range s.TargetRegions {
		dims := append(append([]types.Dimension{}, base...),
			types.Dimension{Name: aws.String("TargetRegion"), Value: aws.String(region)})
		data = append(data,
			datum("OriginalSize", float64(s.OriginalSize), types.StandardUnitBytes, dims),
			datum("CompressedSize", float64(s.CompressedSize), types.StandardUnitBytes, dims),
			datum("BytesSaved", float64(bytesSaved), types.StandardUnitBytes, dims),
		)
	}
	c.publish(ctx, data)
}

func (c *CloudWatch) ReportDecompression(ctx context.Context, s DecompressionSample) {
	dims := []types.Dimension{
		{Name: aws.String("TargetBucket"), Value: aws.String(s.TargetBucket)},
	}
	data := []types.MetricDatum{
		datum("CompressedSize", float64(s.CompressedSize), types.StandardUnitBytes, dims),
		datum("DecompressedSize", float64(s.DecompressedSize), types.StandardUnitBytes, dims),
		datum("Objects", float64(s.ObjectCount), types.StandardUnitCount, dims),
		datum("DecompressionTime", s.Elapsed.Seconds(), types.StandardUnitSeconds, dims),
	}
	c.publish(ctx, data)
}

func (c *CloudWatch) publish(ctx context.Context, data []types.MetricDatum) {
	// PutMetricData accepts at most 1000 datums per call. Batches here are
	// far smaller but chunk anyway for safety with many target regions.
	const chunkSize = 1000
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to publish metrics")
			return
		}
	}
}

func datum(name string, value float64, unit types.StandardUnit, dims []types.Dimension) types.MetricDatum {
	return types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Dimensions: dims,
		Timestamp:  aws.Time(time.Now()),
	}
}

// Nop discards all samples. Used when metrics publishing is disabled.
type Nop struct{}

func (Nop) ReportCompression(context.Context, CompressionSample)     {}
func (Nop) ReportDecompression(context.Context, DecompressionSample) {}
