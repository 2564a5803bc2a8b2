// Package bus is the event-driven wake bus: NATS pub/sub carrying ephemeral
// hints (bucket acquired/lost, job run enqueued) so long-running tasks can
// wake early instead of polling, per the design notes' "polling-dominated
// data flow" re-architecture guidance. It never carries authoritative state —
// that remains exclusively in the durable store.
package bus

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Subjects used by the scheduler's components.
const (
	SubjectBucketAcquired = "scheduler.bucket.acquired"
	SubjectBucketLost     = "scheduler.bucket.lost"
	SubjectJobRunEnqueued = "scheduler.jobrun.enqueued"
)

// BucketEvent carries a bucket id for acquired/lost signals.
type BucketEvent struct {
	WorkerAddress string `json:"worker_address"`
	BucketID      int    `json:"bucket_id"`
}

// JobRunEnqueuedEvent carries the id and bucket of a JobRun that the
// generator has just inserted or the propagator has just started.
type JobRunEnqueuedEvent struct {
	JobRunID int64 `json:"job_run_id"`
	BucketID int   `json:"bucket_id"`
}

// Bus wraps a NATS connection with trace-context-propagating publish and
// subscribe helpers, matching the teacher's natsctx package.
type Bus struct {
	nc *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	b.nc.Close()
}

// Publish injects the current trace context into the message headers and
// publishes data on subject.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return b.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// PublishJSON marshals v and publishes it.
func (b *Bus) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data)
}

// Subscribe wraps nc.Subscribe, extracting the trace context of each message
// and starting a consumer span before invoking handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("scheduler-bus")
		ctx, span := tr.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// SubscribeJSON unmarshals each message's data into a fresh *T before
// invoking handler; unmarshal failures are dropped silently since a
// malformed wake hint only costs a missed early wake-up, never correctness.
func SubscribeJSON[T any](b *Bus, subject string, handler func(context.Context, *T)) (*nats.Subscription, error) {
	return b.Subscribe(subject, func(ctx context.Context, m *nats.Msg) {
		var v T
		if err := json.Unmarshal(m.Data, &v); err != nil {
			return
		}
		handler(ctx, &v)
	})
}
