package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAPILatency        = "APILatency"
	MetricAPIRequestCount   = "APIRequestCount"
	MetricConsumeDenied     = "ConsumeDenied"
	MetricReconcileMismatch = "ReconcileMismatch"
	MetricReconcileResync   = "ReconcileResync"

	// Dimension Keys
	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"
	DimReason   = "Reason"

	// Metric Namespace
	MetricNamespace = "LexCredit"
)
