package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/swarmguard/scheduler/internal/resilience"
)

const executeMethod = "/scheduler.execution.v1.Executor/Dispatch"

// ExecuteRequest is handed to the execution subsystem for a single JobRun.
type ExecuteRequest struct {
	JobRunID      int64  `json:"job_run_id"`
	WorkflowRunID string `json:"workflow_run_id"`
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Params        string `json:"params"`
	RetryCount    int    `json:"retry_count"`
}

// ExecuteResponse is the execution subsystem's terminal outcome for a JobRun.
type ExecuteResponse struct {
	Accepted bool   `json:"accepted"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// Executor is the small client interface the dispatch loop and the
// dependency propagator hand JobRuns off to. The execution subsystem itself
// is an opaque external collaborator (out of scope); this is the contract a
// real implementation and a test double both satisfy.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error)
}

// GRPCExecutor is a thin gRPC client stub for the execution subsystem,
// matching the teacher's use of grpc as its inter-service transport. It
// exchanges JSON-encoded request/response bodies over a unary gRPC call
// rather than generated protobuf types, since there is no .proto contract to
// compile against in this core.
type GRPCExecutor struct {
	conn *grpc.ClientConn
}

// DialGRPCExecutor opens an insecure gRPC connection to the execution
// subsystem at target.
func DialGRPCExecutor(target string) (*GRPCExecutor, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial execution subsystem: %w", err)
	}
	return &GRPCExecutor{conn: conn}, nil
}

func (g *GRPCExecutor) Close() error {
	return g.conn.Close()
}

func (g *GRPCExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	var resp ExecuteResponse
	err := g.conn.Invoke(ctx, executeMethod, &req, &resp, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("invoke execution subsystem: %w", err)
	}
	return resp, nil
}

const jsonCodecName = "json"

// jsonCodec lets GRPCExecutor exchange plain JSON-tagged Go structs over
// gRPC without a compiled .proto contract.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// errCircuitOpen is returned without reaching the underlying executor when
// the breaker is tripped.
var errCircuitOpen = errors.New("dispatch: execution subsystem circuit open")

// CircuitBreakerExecutor guards an Executor's hand-off to the execution
// subsystem behind an adaptive circuit breaker, so a misbehaving worker
// fleet does not get hammered with doomed attempts once its failure rate
// crosses the breaker's threshold.
type CircuitBreakerExecutor struct {
	inner   Executor
	breaker *resilience.CircuitBreaker
}

// NewCircuitBreakerExecutor wraps inner with breaker.
func NewCircuitBreakerExecutor(inner Executor, breaker *resilience.CircuitBreaker) *CircuitBreakerExecutor {
	return &CircuitBreakerExecutor{inner: inner, breaker: breaker}
}

func (e *CircuitBreakerExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	if !e.breaker.Allow() {
		return ExecuteResponse{}, errCircuitOpen
	}
	resp, err := e.inner.Execute(ctx, req)
	e.breaker.RecordResult(err == nil && resp.Accepted)
	return resp, err
}
