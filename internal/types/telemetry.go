package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"
	MetricSweepBacklog    = "ReconcileBacklog"
	MetricRetentionPurged = "RetentionPurged"

	// Dimension Keys
	DimChannel = "Channel"
	DimResult  = "Result"

	// Metric Namespace
	MetricNamespace = "Reminders"
)
