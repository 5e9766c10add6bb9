// Package telemetry emits service metrics to AWS CloudWatch. Emission is
// best-effort: a metrics failure is logged and never propagated to the
// request path.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"lexcredit/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes API and reconciliation metrics. It implements
// both core.MetricsCollector and reconcile.MetricsRecorder.
//
// Metrics emitted:
//   - APIRequestCount: Dims {Endpoint, Method, Status} -- per request
//   - APILatency:      Dims {Endpoint, Method}         -- per request
//   - ReconcileMismatch: no dims -- per detected plan view disagreement
//   - ReconcileResync:   no dims -- per forced billing resync
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the service
// namespace. logger may be nil.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordRequest emits the request count and latency metrics for one API call.
// The request context may already be canceled when this runs; emission uses a
// detached short-lived context so metrics still flush.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricAPIRequestCount),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
					{Name: aws.String(types.DimMethod), Value: aws.String(method)},
					{Name: aws.String(types.DimStatus), Value: aws.String(status)},
				},
			},
			{
				MetricName: aws.String(types.MetricAPILatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
					{Name: aws.String(types.DimMethod), Value: aws.String(method)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Warn("failed to record request metrics",
			slog.String("error", err.Error()),
			slog.String("endpoint", endpoint),
		)
	}
}

// RecordConsumeDenied emits the denial counter with the denial reason (error
// code) as a dimension.
func (m *CloudWatchMetrics) RecordConsumeDenied(ctx context.Context, reason string) {
	m.putCount(ctx, types.MetricConsumeDenied, []cwtypes.Dimension{
		{Name: aws.String(types.DimReason), Value: aws.String(reason)},
	})
}

// RecordMismatch emits the reconciliation mismatch counter.
func (m *CloudWatchMetrics) RecordMismatch(ctx context.Context) {
	m.putCount(ctx, types.MetricReconcileMismatch, nil)
}

// RecordResync emits the forced resync counter.
func (m *CloudWatchMetrics) RecordResync(ctx context.Context) {
	m.putCount(ctx, types.MetricReconcileResync, nil)
}

func (m *CloudWatchMetrics) putCount(ctx context.Context, name string, dims []cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Warn("failed to record metric",
			slog.String("error", err.Error()),
			slog.String("metric", name),
		)
	}
}

// NoopMetrics discards all metrics. Used when metrics are disabled in config.
type NoopMetrics struct{}

// RecordRequest implements core.MetricsCollector.
func (NoopMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {}

// RecordConsumeDenied discards the denial counter.
func (NoopMetrics) RecordConsumeDenied(ctx context.Context, reason string) {}

// RecordMismatch implements reconcile.MetricsRecorder.
func (NoopMetrics) RecordMismatch(ctx context.Context) {}

// RecordResync implements reconcile.MetricsRecorder.
func (NoopMetrics) RecordResync(ctx context.Context) {}
