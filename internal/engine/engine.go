// Package engine runs the generation loop for one chat request: it builds
// the prompt from conversation history, streams model output, executes
// model-requested tools under per-tool budgets, and feeds results back
// until the model answers or a limit trips.
//
// The loop is cooperative about cancellation: it checks the context at
// token-emission and tool-dispatch boundaries, lets in-flight tools finish
// detached, and discards their results. Every run terminates the event
// stream exactly once, with a done frame for completed and cancelled runs
// or an error frame for everything else.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/okubit/sluice/internal/identity"
	"github.com/okubit/sluice/internal/model"
	"github.com/okubit/sluice/internal/prompt"
	"github.com/okubit/sluice/internal/quota"
	"github.com/okubit/sluice/internal/session"
)

// errStreamClosed marks an event write rejected by the caller's sink. The
// run winds down as if the request had been cancelled.
var errStreamClosed = errors.New("event stream closed")

// Fallbacks for zero Config fields.
const (
	defaultMaxToolCycles   = 5
	defaultToolParallelism = 4
	defaultToolTimeout     = 30 * time.Second
	persistTimeout         = 5 * time.Second
)

// ConversationStore is the slice of the session store the engine needs.
type ConversationStore interface {
	History(ctx context.Context, conversationID uuid.UUID) ([]*session.Turn, error)
	Append(ctx context.Context, conversationID uuid.UUID, turns ...*session.Turn) error
}

// Toolbox resolves and executes model-requested tools. Validate reports
// schema violations and unknown names; Execute runs a tool to completion
// under the caller's context.
type Toolbox interface {
	Refs() []ai.ToolRef
	Validate(name string, input any) error
	Execute(ctx context.Context, name string, input any) (any, error)
}

// Config assembles an Engine.
type Config struct {
	Store   ConversationStore
	Builder *prompt.Builder
	Backend model.Backend

	// Toolbox supplies tools to the model. Nil runs without tools.
	Toolbox Toolbox
	// Ledger enforces per-tool budgets. Nil disables tool quotas.
	Ledger *quota.Ledger

	// System is the system prompt sent with every model call.
	System string

	// MaxToolCycles caps tool rounds per request; one more request after
	// the cap ends the run with a tool loop limit error.
	MaxToolCycles int
	// ToolParallelism bounds concurrent tool execution within one round.
	ToolParallelism int
	// ToolTimeout is the per-tool-call deadline. A timed-out tool yields
	// a failed result, not a failed request.
	ToolTimeout time.Duration
	// RequestBudget is the wall-clock budget for the whole run. Zero
	// disables it.
	RequestBudget time.Duration

	Retry   RetryConfig
	Breaker CircuitBreakerConfig
	Logger  *slog.Logger
}

// Engine drives chat requests against one model backend.
// Safe for concurrent use; each Run is independent.
type Engine struct {
	store   ConversationStore
	builder *prompt.Builder
	backend model.Backend
	toolbox Toolbox
	ledger  *quota.Ledger
	breaker *CircuitBreaker
	logger  *slog.Logger

	system          string
	maxToolCycles   int
	toolParallelism int
	toolTimeout     time.Duration
	requestBudget   time.Duration
	retry           RetryConfig

	// wg tracks tool executions that outlive their request. Close waits
	// for them so tests and shutdown see no stragglers.
	wg sync.WaitGroup
}

// New creates an Engine. Store, Builder and Backend are required; zero
// tuning fields fall back to defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: conversation store is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("engine: prompt builder is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("engine: model backend is required")
	}

	if cfg.MaxToolCycles <= 0 {
		cfg.MaxToolCycles = defaultMaxToolCycles
	}
	if cfg.ToolParallelism <= 0 {
		cfg.ToolParallelism = defaultToolParallelism
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	retry := cfg.Retry
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = DefaultRetryConfig().MaxInterval
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:           cfg.Store,
		builder:         cfg.Builder,
		backend:         cfg.Backend,
		toolbox:         cfg.Toolbox,
		ledger:          cfg.Ledger,
		breaker:         NewCircuitBreaker(cfg.Breaker),
		logger:          logger,
		system:          cfg.System,
		maxToolCycles:   cfg.MaxToolCycles,
		toolParallelism: cfg.ToolParallelism,
		toolTimeout:     cfg.ToolTimeout,
		requestBudget:   cfg.RequestBudget,
		retry:           retry,
	}, nil
}

// Close waits for detached tool executions to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// StreamRequest is one inbound chat message bound to a caller and a
// conversation.
type StreamRequest struct {
	RequestID      uuid.UUID
	Identity       identity.Identity
	ConversationID uuid.UUID
	Message        string
	// Attachments are media parts admitted with the message. They precede
	// the text in the stored user turn, mirroring how multimodal prompts
	// order image and text parts.
	Attachments []*ai.Part
}

// outcome is the internal result of a run before the terminal frame.
type outcome struct {
	status     Status
	message    string
	retryAfter time.Duration
	toolCalls  int
}

// Run executes one chat request, pushing events through emit, and returns
// the final status. The event stream is terminated exactly once: done for
// ok and cancelled outcomes, error otherwise. The request wall-clock
// budget is applied here.
func (e *Engine) Run(ctx context.Context, req *StreamRequest, emit EmitFunc) Status {
	start := time.Now()
	if e.requestBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestBudget)
		defer cancel()
	}

	out := e.run(ctx, req, emit)

	switch out.status {
	case StatusOK, StatusCancelled:
		e.emitTerminal(emit, Event{Type: EventDone, Data: DoneData{
			Status:         out.status,
			ConversationID: req.ConversationID.String(),
			ToolCalls:      out.toolCalls,
		}})
	default:
		e.emitTerminal(emit, Event{Type: EventError, Data: ErrorData{
			Status:            out.status,
			Message:           out.message,
			RetryAfterSeconds: int(out.retryAfter / time.Second),
		}})
	}

	e.logger.Info("chat request finished",
		"request_id", req.RequestID,
		"conversation_id", req.ConversationID,
		"status", string(out.status),
		"tool_calls", out.toolCalls,
		"elapsed", time.Since(start),
	)
	return out.status
}

func (e *Engine) run(ctx context.Context, req *StreamRequest, emit EmitFunc) outcome {
	if strings.TrimSpace(req.Message) == "" {
		return outcome{status: StatusValidationError, message: "message must not be empty"}
	}

	history, err := e.store.History(ctx, req.ConversationID)
	if err != nil {
		if out, ok := e.contextOutcome(ctx, 0); ok {
			return out
		}
		e.logger.Error("history load failed", "conversation_id", req.ConversationID, "error", err)
		return outcome{status: StatusUpstreamFailure, message: "conversation history unavailable"}
	}

	content := make([]*ai.Part, 0, len(req.Attachments)+1)
	content = append(content, req.Attachments...)
	content = append(content, ai.NewTextPart(req.Message))
	userTurn := &session.Turn{
		ConversationID: req.ConversationID,
		Role:           ai.RoleUser,
		Content:        content,
		TokenEstimate:  prompt.EstimateText(req.Message),
	}

	msgs, stats := e.builder.Build(append(history, userTurn))
	e.logger.Debug("prompt assembled",
		"request_id", req.RequestID,
		"turns", stats.Turns,
		"dropped", stats.Dropped,
		"tokens", stats.Tokens,
		"summarized", stats.Summarized,
	)

	var toolRefs []ai.ToolRef
	if e.toolbox != nil {
		toolRefs = e.toolbox.Refs()
	}

	// Model and tool turns accumulated for persistence at completion.
	var transcript []*session.Turn
	toolCalls := 0
	rounds := 0

	for {
		resp, err := e.generate(ctx, msgs, toolRefs, emit)
		if err != nil {
			if out, ok := e.contextOutcome(ctx, toolCalls); ok {
				return out
			}
			if errors.Is(err, errStreamClosed) || errors.Is(err, context.Canceled) {
				return outcome{status: StatusCancelled, toolCalls: toolCalls}
			}
			e.logger.Warn("model call failed", "request_id", req.RequestID, "error", err)
			return outcome{status: StatusUpstreamFailure, message: "model backend unavailable", toolCalls: toolCalls}
		}

		requests := resp.ToolRequests()
		modelTurn := turnFromMessage(req.ConversationID, resp.Message)

		if len(requests) == 0 {
			transcript = append(transcript, modelTurn)
			e.persist(ctx, req.ConversationID, userTurn, transcript)
			return outcome{status: StatusOK, toolCalls: toolCalls}
		}

		if rounds >= e.maxToolCycles {
			e.logger.Warn("tool cycle cap reached",
				"request_id", req.RequestID,
				"rounds", rounds,
			)
			return outcome{
				status:    StatusToolLoopLimit,
				message:   fmt.Sprintf("tool cycle limit of %d reached", e.maxToolCycles),
				toolCalls: toolCalls,
			}
		}
		rounds++

		results, err := e.runToolRound(ctx, req.Identity, requests, emit)
		if err != nil {
			if out, ok := e.contextOutcome(ctx, toolCalls); ok {
				return out
			}
			return outcome{status: StatusCancelled, toolCalls: toolCalls}
		}
		toolCalls += len(requests)

		toolMsg := toolMessage(results)
		transcript = append(transcript, modelTurn, turnFromMessage(req.ConversationID, toolMsg))
		msgs = append(msgs, resp.Message, toolMsg)
	}
}

// contextOutcome maps an ended context to its terminal outcome: the
// request budget expiring is an upstream failure, caller cancellation is
// the cancelled state.
func (e *Engine) contextOutcome(ctx context.Context, toolCalls int) (outcome, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return outcome{
			status:    StatusUpstreamFailure,
			message:   "request time budget exhausted",
			toolCalls: toolCalls,
		}, true
	case ctx.Err() != nil:
		return outcome{status: StatusCancelled, toolCalls: toolCalls}, true
	}
	return outcome{}, false
}

// generate performs one model call behind the circuit breaker, streaming
// text deltas through emit.
func (e *Engine) generate(ctx context.Context, msgs []*ai.Message, tools []ai.ToolRef, emit EmitFunc) (*ai.ModelResponse, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}

	var streamed atomic.Bool
	cb := func(cctx context.Context, chunk *ai.ModelResponseChunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := chunk.Text()
		if text == "" {
			return nil
		}
		streamed.Store(true)
		if err := emit(Event{Type: EventTextDelta, Data: TextDelta{Text: text}}); err != nil {
			e.logger.Debug("text delta rejected", "error", err)
			return errStreamClosed
		}
		return nil
	}

	req := &model.Request{System: e.system, Messages: msgs, Tools: tools}
	resp, err := e.generateWithRetry(ctx, req, cb, &streamed)
	if err != nil {
		// Caller-side aborts say nothing about backend health.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errStreamClosed) {
			e.breaker.Failure()
		}
		return nil, err
	}
	e.breaker.Success()
	return resp, nil
}

// toolOutcome is the resolved result of one tool invocation.
type toolOutcome struct {
	ref        string
	name       string
	output     any
	failed     bool
	code       string
	message    string
	retryAfter time.Duration
}

// payload is what the model sees for this invocation on the next cycle.
func (o toolOutcome) payload() any {
	if !o.failed {
		return o.output
	}
	p := map[string]any{
		"error": o.message,
		"code":  o.code,
	}
	if o.retryAfter > 0 {
		p["retry_after_seconds"] = int(o.retryAfter / time.Second)
	}
	return p
}

// runToolRound announces, executes and reports one round of tool calls.
// Execution is concurrent up to the parallelism bound, but start and
// result events keep the model's request order. On cancellation the round
// returns immediately; in-flight tools finish detached and their results
// are discarded.
func (e *Engine) runToolRound(ctx context.Context, caller identity.Identity, requests []*ai.ToolRequest, emit EmitFunc) ([]toolOutcome, error) {
	for _, tr := range requests {
		err := emit(Event{Type: EventToolCallStart, Data: ToolCallStart{
			Ref:   tr.Ref,
			Name:  tr.Name,
			Input: tr.Input,
		}})
		if err != nil {
			return nil, errStreamClosed
		}
	}

	outcomes := make([]toolOutcome, len(requests))
	sem := semaphore.NewWeighted(int64(e.toolParallelism))
	var pending sync.WaitGroup

	for i, tr := range requests {
		pending.Add(1)
		e.wg.Add(1)
		go func(i int, tr *ai.ToolRequest) {
			defer pending.Done()
			defer e.wg.Done()

			// Acquire fails only when ctx is done, meaning the round
			// has already been abandoned.
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			outcomes[i] = e.resolveInvocation(ctx, caller, tr)
		}(i, tr)
	}

	done := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, out := range outcomes {
		data := ToolResult{
			Ref:    out.ref,
			Name:   out.name,
			OK:     !out.failed,
			Output: out.output,
		}
		if out.failed {
			data.Error = out.message
			data.Code = out.code
			data.RetryAfterSeconds = int(out.retryAfter / time.Second)
		}
		if err := emit(Event{Type: EventToolResult, Data: data}); err != nil {
			return nil, errStreamClosed
		}
	}
	return outcomes, nil
}

// resolveInvocation runs one tool call through validation, the per-tool
// quota and execution. Every failure mode becomes a failed outcome the
// model can react to; nothing here fails the request.
func (e *Engine) resolveInvocation(ctx context.Context, caller identity.Identity, tr *ai.ToolRequest) toolOutcome {
	out := toolOutcome{ref: tr.Ref, name: tr.Name}

	if ctx.Err() != nil {
		// Result is about to be discarded with the round.
		out.failed = true
		out.code = ToolCodeExecutionError
		out.message = "request ended before dispatch"
		return out
	}

	if e.toolbox == nil {
		out.failed = true
		out.code = ToolCodeInvalidInput
		out.message = fmt.Sprintf("unknown tool %q", tr.Name)
		return out
	}
	if err := e.toolbox.Validate(tr.Name, tr.Input); err != nil {
		out.failed = true
		out.code = ToolCodeInvalidInput
		out.message = err.Error()
		return out
	}

	if e.ledger != nil {
		d := e.ledger.Consume(ctx, quota.ToolKey(caller.Key, tr.Name), 1)
		if !d.Allowed {
			out.failed = true
			out.retryAfter = d.RetryAfter(time.Now())
			if d.Degraded {
				out.code = ToolCodeQuotaUnavailable
				out.message = fmt.Sprintf("quota for tool %q temporarily unavailable", tr.Name)
			} else {
				out.code = ToolCodeRateLimited
				out.message = fmt.Sprintf("tool %q budget exhausted", tr.Name)
			}
			return out
		}
	}

	// Detached from request cancellation: an in-flight tool runs to
	// completion even when the caller goes away. The per-tool deadline
	// still applies.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.toolTimeout)
	defer cancel()

	started := time.Now()
	result, err := e.toolbox.Execute(execCtx, tr.Name, tr.Input)
	if err != nil {
		out.failed = true
		if errors.Is(err, context.DeadlineExceeded) {
			out.code = ToolCodeTimeout
			out.message = fmt.Sprintf("tool %q timed out after %v", tr.Name, e.toolTimeout)
		} else {
			out.code = ToolCodeExecutionError
			out.message = err.Error()
		}
		e.logger.Debug("tool call failed",
			"tool", tr.Name,
			"code", out.code,
			"elapsed", time.Since(started),
		)
		return out
	}
	out.output = result
	return out
}

// persist appends the user turn and the accumulated model and tool turns
// to the conversation. Detached from the request context so a cancel
// racing the final token cannot lose a completed exchange. Failures are
// logged, not surfaced: the caller already has the answer.
func (e *Engine) persist(ctx context.Context, conversationID uuid.UUID, userTurn *session.Turn, transcript []*session.Turn) {
	turns := append([]*session.Turn{userTurn}, transcript...)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.store.Append(pctx, conversationID, turns...); err != nil {
		e.logger.Warn("transcript append failed",
			"conversation_id", conversationID,
			"turns", len(turns),
			"error", err,
		)
	}
}

func (e *Engine) emitTerminal(emit EmitFunc, ev Event) {
	if err := emit(ev); err != nil {
		e.logger.Debug("terminal event dropped", "type", string(ev.Type), "error", err)
	}
}

// turnFromMessage converts a model or tool message into a storable turn.
func turnFromMessage(conversationID uuid.UUID, msg *ai.Message) *session.Turn {
	return &session.Turn{
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		TokenEstimate:  prompt.EstimateParts(msg.Content),
	}
}

// toolMessage packs a round's outcomes into the single tool message the
// model sees next, in request order.
func toolMessage(outcomes []toolOutcome) *ai.Message {
	parts := make([]*ai.Part, 0, len(outcomes))
	for _, out := range outcomes {
		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   out.name,
			Ref:    out.ref,
			Output: out.payload(),
		}))
	}
	return &ai.Message{Role: ai.RoleTool, Content: parts}
}
