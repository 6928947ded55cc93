// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 60 * time.Second

	// Failure kinds recorded in ToolResult.Metadata under "kind".
	kindSchemaError    = "schema_error"
	kindExecutionError = "execution_error"
	kindTimeout        = "timeout"
	kindCancelled      = "cancelled"
	kindUnknownTool    = "unknown_tool"
)

// RetryPolicy controls retries of transport-level tool failures.
// Schema errors and tool-reported business failures are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff is the pause between attempts, doubled each retry.
	Backoff time.Duration
}

// Emitter receives execution lifecycle notifications. The task aggregate
// adapts this onto its event bus.
type Emitter interface {
	ToolCallStart(call ToolCall)
	ToolCallResult(result ToolResult, elapsed time.Duration)
}

// Stat aggregates execution counters for a single tool.
type Stat struct {
	Calls        int64
	Errors       int64
	TotalLatency time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxConcurrent caps concurrent tool calls across the executor.
// Zero means unbounded.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithEmitter wires lifecycle notifications.
func WithEmitter(em Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// WithRetryPolicy sets the default retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithMetrics registers the executor's prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) ExecutorOption {
	return func(e *Executor) {
		if reg != nil {
			reg.MustRegister(e.metrics.calls, e.metrics.errors, e.metrics.duration)
		}
	}
}

type executorMetrics struct {
	calls    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newExecutorMetrics() *executorMetrics {
	return &executorMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool invocations.",
		}, []string{"tool"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "tool",
			Name:      "errors_total",
			Help:      "Total failed tool invocations.",
		}, []string{"tool"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}
}

// Executor validates and dispatches tool calls against a registry.
//
// Argument validation happens before invocation: a call whose arguments do
// not match the tool's schema yields a failed ToolResult, never a Go error,
// so the model can observe and correct the mistake.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	sem      chan struct{}
	emitter  Emitter
	retry    RetryPolicy
	metrics  *executorMetrics

	mu      sync.Mutex
	stats   map[string]*Stat
	schemas map[string]*jsonschema.Schema
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		timeout:  DefaultCallTimeout,
		retry:    RetryPolicy{MaxAttempts: 1},
		metrics:  newExecutorMetrics(),
		stats:    make(map[string]*Stat),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a single tool call and returns its result.
// The returned result always carries the call's ID.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolResult {
	if e.emitter != nil {
		e.emitter.ToolCallStart(call)
	}

	start := time.Now()
	result := e.execute(ctx, call)
	elapsed := time.Since(start)

	e.record(call.Name, result, elapsed)
	if e.emitter != nil {
		e.emitter.ToolCallResult(result, elapsed)
	}
	return result
}

// ExecuteAll dispatches the calls concurrently and returns their results in
// call order. Individual failures are reported in the results, never as an
// error; the only error is context cancellation.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Stats returns a copy of the per-tool execution counters.
func (e *Executor) Stats() map[string]Stat {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]Stat, len(e.stats))
	for name, s := range e.stats {
		out[name] = *s
	}
	return out
}

func (e *Executor) execute(ctx context.Context, call ToolCall) ToolResult {
	t, err := e.registry.Get(call.Name)
	if err != nil {
		return failure(call, kindUnknownTool, err.Error())
	}

	if verr := e.validateArgs(t, call.Args); verr != "" {
		return failure(call, kindSchemaError, verr)
	}

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return failure(call, kindCancelled, ctx.Err().Error())
		}
	}

	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.retry.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := e.invoke(ctx, t, call.Args)
		if err == nil {
			return success(call, value)
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			return failure(call, kindTimeout, fmt.Sprintf("tool %s exceeded %s timeout", call.Name, e.timeout))
		}
		if errors.Is(err, context.Canceled) {
			return failure(call, kindCancelled, err.Error())
		}

		var transient *TransientError
		if !errors.As(err, &transient) || attempt == attempts {
			break
		}

		slog.Debug("retrying tool call",
			"tool", call.Name, "attempt", attempt, "error", err)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return failure(call, kindCancelled, ctx.Err().Error())
			}
		}
	}

	return failure(call, kindExecutionError, lastErr.Error())
}

func (e *Executor) invoke(ctx context.Context, t CallableTool, args map[string]any) (value any, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	return t.Call(callCtx, args)
}

// validateArgs checks the call arguments against the tool's parameter
// schema. Returns a human-readable violation, or "" when valid.
func (e *Executor) validateArgs(t CallableTool, args map[string]any) string {
	def := t.Definition()
	if def.Parameters == nil {
		return ""
	}

	schema, err := e.compiledSchema(def)
	if err != nil {
		slog.Warn("tool schema does not compile, skipping validation",
			"tool", def.Name, "error", err)
		return ""
	}

	// Round-trip through JSON so numeric types match what the schema
	// validator expects from decoded JSON.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("schema: arguments are not JSON-encodable: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Sprintf("schema: %v", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Sprintf("schema: %v", err)
	}
	return ""
}

func (e *Executor) compiledSchema(def Definition) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.schemas[def.Name]; ok {
		return s, nil
	}

	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(def.Name+".json", string(raw))
	if err != nil {
		return nil, err
	}
	e.schemas[def.Name] = schema
	return schema, nil
}

func (e *Executor) record(name string, result ToolResult, elapsed time.Duration) {
	e.mu.Lock()
	s, ok := e.stats[name]
	if !ok {
		s = &Stat{}
		e.stats[name] = s
	}
	s.Calls++
	s.TotalLatency += elapsed
	if !result.Success {
		s.Errors++
	}
	e.mu.Unlock()

	e.metrics.calls.WithLabelValues(name).Inc()
	e.metrics.duration.WithLabelValues(name).Observe(elapsed.Seconds())
	if !result.Success {
		e.metrics.errors.WithLabelValues(name).Inc()
	}
}

func success(call ToolCall, value any) ToolResult {
	content := ""
	switch v := value.(type) {
	case nil:
	case string:
		content = v
	case []byte:
		content = string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return failure(call, kindExecutionError,
				fmt.Sprintf("tool returned unserialisable value: %v", err))
		}
		content = string(raw)
	}

	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    true,
		Content:    content,
	}
}

func failure(call ToolCall, kind, message string) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    false,
		Error:      message,
		Metadata:   map[string]any{"kind": kind},
	}
}
