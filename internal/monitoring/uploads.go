package monitoring

import "time"

// Metric names recorded by UploadMetrics.
const (
	MetricUploadsStarted   = "uploads_started_total"
	MetricUploadsCompleted = "uploads_completed_total"
	MetricUploadsFailed    = "uploads_failed_total"
	MetricUploadBytes      = "upload_bytes_total"
	MetricUploadDuration   = "upload_duration_seconds"
	MetricUploadCopy       = "upload_copy"
	MetricSubscribers      = "progress_subscribers"
	MetricSessionsSwept    = "sessions_swept_total"
	MetricHTTPRequests     = "http_requests_total"
)

// UploadMetrics records upload service metrics on a collector. A nil
// *UploadMetrics is valid and records nothing.
type UploadMetrics struct {
	collector *MetricsCollector
}

// NewUploadMetrics wraps collector.
func NewUploadMetrics(collector *MetricsCollector) *UploadMetrics {
	return &UploadMetrics{collector: collector}
}

// Collector returns the underlying collector.
func (um *UploadMetrics) Collector() *MetricsCollector {
	if um == nil {
		return nil
	}
	return um.collector
}

// UploadStarted counts an upload whose file part began streaming.
func (um *UploadMetrics) UploadStarted() {
	if um == nil {
		return
	}
	um.collector.Counter(MetricUploadsStarted, nil)
}

// UploadCompleted counts a stored upload and its size and duration.
func (um *UploadMetrics) UploadCompleted(bytes int64, elapsed time.Duration) {
	if um == nil {
		return
	}
	um.collector.Counter(MetricUploadsCompleted, nil)
	um.collector.CounterAdd(MetricUploadBytes, bytes, nil)
	um.collector.Histogram(MetricUploadDuration, elapsed.Seconds(), nil)
}

// StartCopy times the copy of a file part to disk. The returned function
// records the elapsed time as upload_copy_duration_seconds.
func (um *UploadMetrics) StartCopy() func() {
	if um == nil {
		return func() {}
	}
	return um.collector.Timer(MetricUploadCopy, nil)
}

// UploadFailed counts a failed upload by error code.
func (um *UploadMetrics) UploadFailed(code string) {
	if um == nil {
		return
	}
	um.collector.Counter(MetricUploadsFailed, map[string]string{"code": code})
}

// SubscriberConnected tracks an open progress stream by transport.
func (um *UploadMetrics) SubscriberConnected(transport string) {
	if um == nil {
		return
	}
	um.collector.GaugeAdd(MetricSubscribers, 1, map[string]string{"transport": transport})
}

// SubscriberDisconnected is the counterpart of SubscriberConnected.
func (um *UploadMetrics) SubscriberDisconnected(transport string) {
	if um == nil {
		return
	}
	um.collector.GaugeAdd(MetricSubscribers, -1, map[string]string{"transport": transport})
}

// SessionsSwept counts sessions removed by the registry janitor.
func (um *UploadMetrics) SessionsSwept(n int) {
	if um == nil {
		return
	}
	um.collector.CounterAdd(MetricSessionsSwept, int64(n), nil)
}

// ServerRequest counts a served HTTP request.
func (um *UploadMetrics) ServerRequest(method, route string, status int) {
	if um == nil {
		return
	}
	um.collector.Counter(MetricHTTPRequests, map[string]string{
		"method": method,
		"route":  route,
		"status": statusClass(status),
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
