// internal/metrics/metrics.go
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sua-org/cam-sentinel"

// Metrics agrupa os instrumentos. Todos os métodos aceitam receiver nil,
// então os componentes podem rodar sem métricas (testes).
type Metrics struct {
	sessionTransitions metric.Int64Counter
	protocolAnomalies  metric.Int64Counter
	reconnects         metric.Int64Counter
	healthChanges      metric.Int64Counter

	framesReceived metric.Int64Counter
	framesLost     metric.Int64Counter
	decodeFailures metric.Int64Counter

	routerDrops metric.Int64Counter

	submissions      metric.Int64Counter
	inferenceLatency metric.Float64Histogram
	modelErrors      metric.Int64Counter
	workerRecycles   metric.Int64Counter

	alerts metric.Int64Counter
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	out := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&out.sessionTransitions, "camsentinel.session.transitions", "Signaling state transitions"},
		{&out.protocolAnomalies, "camsentinel.signaling.anomalies", "Malformed or unexpected signaling messages"},
		{&out.reconnects, "camsentinel.supervisor.reconnects", "Reconnect attempts per camera"},
		{&out.healthChanges, "camsentinel.camera.health_changes", "Camera health status changes"},
		{&out.framesReceived, "camsentinel.transport.frames", "Frames delivered by media sessions"},
		{&out.framesLost, "camsentinel.transport.frames_lost", "Frames reported missing by gap markers"},
		{&out.decodeFailures, "camsentinel.transport.decode_failures", "Frames dropped on decode failure"},
		{&out.routerDrops, "camsentinel.router.drops", "Frames dropped by the router"},
		{&out.submissions, "camsentinel.scheduler.submissions", "Inference submissions by outcome"},
		{&out.modelErrors, "camsentinel.scheduler.model_errors", "Inference faults"},
		{&out.workerRecycles, "camsentinel.scheduler.worker_recycles", "Workers recycled after repeated faults"},
		{&out.alerts, "camsentinel.alerts", "Alert evaluation outcomes"},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	out.inferenceLatency, err = m.Float64Histogram("camsentinel.scheduler.inference_latency",
		metric.WithDescription("Inference latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	add(m.sessionTransitions, 1, attribute.String("from", from), attribute.String("to", to))
}

func (m *Metrics) ProtocolAnomaly(kind string) {
	if m == nil {
		return
	}
	add(m.protocolAnomalies, 1, attribute.String("kind", kind))
}

func (m *Metrics) Reconnect(cameraID string) {
	if m == nil {
		return
	}
	add(m.reconnects, 1, attribute.String("camera", cameraID))
}

func (m *Metrics) HealthChange(cameraID, status string) {
	if m == nil {
		return
	}
	add(m.healthChanges, 1, attribute.String("camera", cameraID), attribute.String("status", status))
}

func (m *Metrics) FrameReceived(cameraID string) {
	if m == nil {
		return
	}
	add(m.framesReceived, 1, attribute.String("camera", cameraID))
}

func (m *Metrics) FramesLost(cameraID string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	add(m.framesLost, int64(n), attribute.String("camera", cameraID))
}

func (m *Metrics) DecodeFailures(cameraID string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	add(m.decodeFailures, int64(n), attribute.String("camera", cameraID))
}

// RouterDrop: reason é unbound, evicted, stale ou purged.
func (m *Metrics) RouterDrop(cameraID, reason string) {
	if m == nil {
		return
	}
	add(m.routerDrops, 1, attribute.String("camera", cameraID), attribute.String("reason", reason))
}

// Submission: outcome é accepted ou o ErrorKind da rejeição.
func (m *Metrics) Submission(modelID, outcome string) {
	if m == nil {
		return
	}
	add(m.submissions, 1, attribute.String("model", modelID), attribute.String("outcome", outcome))
}

func (m *Metrics) InferenceLatency(modelID string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceLatency.Record(context.Background(), float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("model", modelID)))
}

func (m *Metrics) ModelError(modelID string) {
	if m == nil {
		return
	}
	add(m.modelErrors, 1, attribute.String("model", modelID))
}

func (m *Metrics) WorkerRecycled(modelID string) {
	if m == nil {
		return
	}
	add(m.workerRecycles, 1, attribute.String("model", modelID))
}

// Alert: outcome é emitted, suppressed, delivered, dropped ou failed.
func (m *Metrics) Alert(ruleID, outcome string) {
	if m == nil {
		return
	}
	add(m.alerts, 1, attribute.String("rule", ruleID), attribute.String("outcome", outcome))
}
