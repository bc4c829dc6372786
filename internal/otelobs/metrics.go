package otelobs

import "go.opentelemetry.io/otel/metric"

// Metrics holds the node's metric instruments: DAG run duration, sandbox
// invocation duration, federation handshake duration, admission-counter,
// queue depth, and memory-guard conflict counts (spec §1 ambient stack).
type Metrics struct {
	DagRunDuration        metric.Float64Histogram
	DagNodeDuration       metric.Float64Histogram
	DagNodesFailed        metric.Int64Counter
	SandboxInvokeDuration metric.Float64Histogram
	SandboxFaults         metric.Int64Counter
	HandshakeDuration     metric.Float64Histogram
	HandshakeDenials      metric.Int64Counter
	AdmissionRejects      metric.Int64Counter
	RouterQueueDepth      metric.Int64UpDownCounter
	MemoryGuardConflicts  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DagRunDuration, err = meter.Float64Histogram("cis.dag.run.duration",
		metric.WithDescription("DAG run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DagNodeDuration, err = meter.Float64Histogram("cis.dag.node.duration",
		metric.WithDescription("DAG node execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DagNodesFailed, err = meter.Int64Counter("cis.dag.node.failed",
		metric.WithDescription("DAG nodes that exhausted retries and failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxInvokeDuration, err = meter.Float64Histogram("cis.sandbox.invoke.duration",
		metric.WithDescription("Skill sandbox invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxFaults, err = meter.Int64Counter("cis.sandbox.faults",
		metric.WithDescription("Skill sandbox fault count"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDuration, err = meter.Float64Histogram("cis.federation.handshake.duration",
		metric.WithDescription("Federation DID handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDenials, err = meter.Int64Counter("cis.federation.handshake.denials",
		metric.WithDescription("Federation handshakes denied by ACL or signature failure"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("cis.admission.rejects",
		metric.WithDescription("Requests rejected by an admission/capability check"),
	)
	if err != nil {
		return nil, err
	}

	m.RouterQueueDepth, err = meter.Int64UpDownCounter("cis.router.queue_depth",
		metric.WithDescription("Semantic router's current pending-request queue depth"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryGuardConflicts, err = meter.Int64Counter("cis.memoryguard.conflicts",
		metric.WithDescription("Memory guard vector-clock conflicts detected"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
