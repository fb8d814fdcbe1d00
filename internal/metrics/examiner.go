package metrics

import (
	"strconv"
	"time"
)

// UpstreamCall describes one evaluator round trip.
type UpstreamCall struct {
	Mode     string
	Endpoint string
	Status   int
	// Outcome is "ok" or an error kind name.
	Outcome      string
	Duration     time.Duration
	RequestBytes int64
	Pages        int
}

// RecordUpstreamCall emits the per-call evaluator record.
func RecordUpstreamCall(c UpstreamCall) {
	r := New(Namespace).
		Dimension("Mode", c.Mode).
		Dimension("Outcome", c.Outcome).
		Duration("UpstreamLatencyMs", c.Duration).
		Metric("RequestBytes", float64(c.RequestBytes), UnitBytes).
		Count("UpstreamCalls").
		Property("endpoint", c.Endpoint).
		Property("statusCode", c.Status)
	if c.Pages > 0 {
		r.Metric("Pages", float64(c.Pages), UnitCount)
	}
	r.Flush()
}

// RecordIntake emits a record for one normalization pass.
func RecordIntake(mode string, accepted, rejected int, outputBytes int64, d time.Duration) {
	New(Namespace).
		Dimension("Mode", mode).
		Metric("PagesAccepted", float64(accepted), UnitCount).
		Metric("PagesRejected", float64(rejected), UnitCount).
		Metric("NormalizedBytes", float64(outputBytes), UnitBytes).
		Duration("IntakeLatencyMs", d).
		Flush()
}

// RecordRequest emits the per-request HTTP record used by the server middleware.
func RecordRequest(method, endpoint string, status int, d time.Duration) {
	r := New(Namespace).
		Dimension("Endpoint", endpoint).
		Duration("RequestLatencyMs", d).
		Count("RequestCount").
		Property("method", method).
		Property("statusCode", status)
	if status >= 400 {
		r.Dimension("StatusClass", strconv.Itoa(status/100)+"xx").Count("RequestErrors")
	}
	r.Flush()
}
