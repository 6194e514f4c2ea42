package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	FanoutChildren  metric.Int64Counter
	LLMCallDuration metric.Float64Histogram
	WSClients       metric.Int64UpDownCounter
}

// NewMetrics creates the instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("agentflow.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("agentflow.tasks.completed",
		metric.WithDescription("Tasks reaching done"),
	); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("agentflow.tasks.failed",
		metric.WithDescription("Tasks reaching failed"),
	); err != nil {
		return nil, err
	}
	if m.FanoutChildren, err = meter.Int64Counter("agentflow.fanout.children",
		metric.WithDescription("Sub-tasks created by tag fan-out"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("agentflow.llm.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.WSClients, err = meter.Int64UpDownCounter("agentflow.ws.clients",
		metric.WithDescription("Connected websocket event clients"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
