package delivery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"reminders/internal/types"
)

// Metrics abstracts delivery and sweep telemetry.
type Metrics interface {
	RecordDelivery(ctx context.Context, channel types.Channel, outcome Outcome)
	RecordLatency(ctx context.Context, channel types.Channel, d time.Duration)
	RecordBacklog(ctx context.Context, due int)
	RecordPurged(ctx context.Context, n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, types.Channel, Outcome)      {}
func (NopMetrics) RecordLatency(context.Context, types.Channel, time.Duration) {}
func (NopMetrics) RecordBacklog(context.Context, int)                          {}
func (NopMetrics) RecordPurged(context.Context, int)                           {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes to CloudWatch:
//   - DeliveryAttempt: Dims {Channel, Result}, one per terminal outcome
//   - DeliveryLatency: Dims {Channel}, milliseconds from first attempt to terminal write
//   - ReconcileBacklog: due records found by a sweep
//   - RetentionPurged: records removed by a retention run
//
// Publish failures are logged and dropped.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates CloudWatchMetrics. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, channel types.Channel, outcome Outcome) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimChannel), Value: aws.String(string(channel))},
			{Name: aws.String(types.DimResult), Value: aws.String(string(outcome))},
		},
	})
}

func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, channel types.Channel, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimChannel), Value: aws.String(string(channel))},
		},
	})
}

func (m *CloudWatchMetrics) RecordBacklog(ctx context.Context, due int) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSweepBacklog),
		Value:      aws.Float64(float64(due)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchMetrics) RecordPurged(ctx context.Context, n int) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricRetentionPurged),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.Error("failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err.Error(),
		)
	}
}
