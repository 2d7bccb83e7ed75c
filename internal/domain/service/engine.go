package service

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/infrastructure/prompt"
	"github.com/shesha-run/shesha/internal/infrastructure/sandbox"
)

// codeBlockPattern extracts ```repl fenced blocks, greedy non-overlapping.
var codeBlockPattern = regexp.MustCompile("(?s)```repl\\n(.*?)\\n```")

// EngineConfig holds the engine's tunables, sourced from Shesha's public
// config contract.
type EngineConfig struct {
	Model                  string
	MaxIterations           int
	MaxSubcallContentChars  int           // default 500,000, applied to every inbound handler
	MaxConsecutiveNoCode    int           // tolerance before treating no-code as exhausted
	MaxExecutorRecoveries   int           // bounded dead-executor replacement attempts
	MaxSubcallParallelism   int           // bounded degree for llm_query_batched
	ExecutionTimeout        time.Duration // not read by the engine; each Executor enforces its own sandbox.Config.Timeout
}

// DefaultEngineConfig holds the engine's stated defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations:          20,
		MaxSubcallContentChars: 500_000,
		MaxConsecutiveNoCode:   2,
		MaxExecutorRecoveries:  2,
		MaxSubcallParallelism:  4,
		ExecutionTimeout:       30 * time.Second,
	}
}

// Engine is the state machine driving one query at a time through the
// driver LLM ↔ sandbox ↔ sub-LLM cycle to a terminal answer. Grounded on
// NGOClaw's own AgentLoop.Run (goroutine-free synchronous version here —
// Shesha has no streaming surface to forward deltas through), rewired from
// tool calls to sandbox code blocks.
type Engine struct {
	cfg    EngineConfig
	llm    LLMClient
	pool   *sandbox.ContainerPool
	loader *prompt.Loader
	logger *zap.Logger
}

// NewEngine constructs an Engine over a warm executor pool and a prompt
// loader, both already wired to the caller's configuration.
func NewEngine(cfg EngineConfig, llm LLMClient, pool *sandbox.ContainerPool, loader *prompt.Loader, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, llm: llm, pool: pool, loader: loader, logger: logger}
}

// ProgressFunc receives one notification per appended trace step:
// on_progress(step_type, iteration, content, token_usage). Implementations
// must be non-blocking.
type ProgressFunc func(stepType entity.TraceStepType, iteration int, content string, usage entity.TokenUsage)

// queryState is the per-call mutable state the engine mutates under one
// mutex — trace, messages, and token usage — since sub-LLM handlers may run
// from other goroutines while the main loop also touches these.
type queryState struct {
	mu       sync.Mutex
	messages []entity.Message
	usage    entity.TokenUsage
	recorder *TraceRecorder
	progress ProgressFunc
	logger   *zap.Logger
}

func (qs *queryState) appendStep(step entity.TraceStep, content string) {
	qs.mu.Lock()
	usage := qs.usage
	qs.recorder.RecordStep(step)
	progress := qs.progress
	qs.mu.Unlock()

	if progress != nil {
		progress(step.Type, step.Iteration, content, usage)
	}
}

func (qs *queryState) addTokens(prompt, completion int) {
	qs.mu.Lock()
	qs.usage.Add(prompt, completion)
	qs.mu.Unlock()
}

func (qs *queryState) appendMessage(m entity.Message) {
	qs.mu.Lock()
	qs.messages = append(qs.messages, m)
	qs.mu.Unlock()
}

func (qs *queryState) snapshotMessages() []entity.Message {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]entity.Message, len(qs.messages))
	copy(out, qs.messages)
	return out
}

func (qs *queryState) tokenUsage() entity.TokenUsage {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.usage
}

// Query runs one full iteration loop for the given documents and question.
// paper_ids-based filtering happens upstream in the Project facade; the
// engine only ever sees the already-filtered document set.
func (e *Engine) Query(ctx context.Context, documents []string, question string, cancel <-chan struct{}, onProgress ProgressFunc, traceSinkPath string) (entity.QueryResult, error) {
	start := time.Now()
	boundary := GenerateBoundary()

	ctx = WithTraceID(ctx, "")
	traceID := TraceIDFromContext(ctx)
	qlog := e.logger.With(zap.String("trace_id", traceID))

	contextType, contextLengths, contextTotal := summarizeContext(documents)

	header := entity.TraceHeader{TraceID: traceID, Question: question, Model: e.cfg.Model, StartTime: start}
	recorder, err := NewTraceRecorder(traceSinkPath, header, qlog)
	if err != nil {
		return entity.QueryResult{}, fmt.Errorf("engine: start trace: %w", err)
	}

	qs := &queryState{recorder: recorder, progress: onProgress, logger: qlog}
	qs.messages = []entity.Message{
		entity.NewMessage(entity.RoleSystem, e.loader.RenderSystemPrompt(boundary.String())),
		entity.NewMessage(entity.RoleAssistant, e.loader.RenderContextMetadata(contextType, contextTotal, contextLengths)),
		entity.NewMessage(entity.RoleUser, e.loader.RenderIterationZero(question)),
	}

	var docContext any
	if contextType == "str" {
		docContext = documents[0]
	} else {
		docContext = documents
	}

	executor, err := e.pool.Acquire(ctx)
	if err != nil {
		_ = recorder.Finish(entity.TraceSummary{Status: entity.StatusError, DurationMs: time.Since(start).Milliseconds()})
		return entity.QueryResult{}, fmt.Errorf("engine: acquire executor: %w", err)
	}
	if err := executor.SetContext(ctx, docContext); err != nil {
		e.pool.Release(ctx, executor)
		_ = recorder.Finish(entity.TraceSummary{Status: entity.StatusError, DurationMs: time.Since(start).Milliseconds()})
		return entity.QueryResult{}, fmt.Errorf("engine: bind context: %w", err)
	}

	sm := NewStateMachine(e.cfg.MaxIterations, qlog)
	_ = sm.Transition(StateDriverCall)

	// A panic inside runLoop (driver/sub-LLM handler, sandbox decode, etc.)
	// must still release the checked-out executor — acquire_count =
	// release_count + active_checked_out must hold at every observation
	// point, panics included. Adapted from pkg/safego.Go's recover-and-log
	// pattern; here the executor is cleaned up before the panic is allowed
	// to continue propagating.
	defer func() {
		if r := recover(); r != nil {
			qlog.Error("engine: panic during query, releasing executor",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			executor.ClearHandlers()
			e.pool.Release(ctx, executor)
			panic(r)
		}
	}()

	// executor may be swapped out mid-loop by dead-executor recovery; runLoop
	// mutates it through this pointer so the exit path below always reaches
	// the executor actually in use at the end, never a stale, already-dead
	// one — this releases it to the pool exactly once.
	answer, status := e.runLoop(ctx, &executor, docContext, question, boundary, qs, cancel, sm)

	executor.ClearHandlers()
	e.pool.Release(ctx, executor)

	summary := entity.TraceSummary{
		Status:           status,
		TotalSteps:       len(recorder.Trace().Steps),
		PromptTokens:     qs.tokenUsage().PromptTokens,
		CompletionTokens: qs.tokenUsage().CompletionTokens,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err := recorder.Finish(summary); err != nil {
		qlog.Warn("engine: failed to finalize trace", zap.Error(err))
	}

	return entity.QueryResult{
		Answer:        answer,
		Trace:         recorder.Trace(),
		TokenUsage:    qs.tokenUsage(),
		ExecutionTime: time.Since(start),
	}, nil
}

// runLoop implements the main loop, max-iter fallback, dead-executor
// recovery, and cancellation handling in one place since they all share
// the same executor/message-list/iteration state.
func (e *Engine) runLoop(ctx context.Context, executor **sandbox.Executor, docContext any, question string, boundary Boundary, qs *queryState, cancel <-chan struct{}, sm *StateMachine) (string, entity.TraceStatus) {
	(*executor).SetHandlers(e.queryHandler(ctx, qs, boundary), e.batchHandler(ctx, qs, boundary))

	consecutiveNoCode := 0
	recoveries := 0

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		if isCancelled(cancel) {
			_ = sm.Transition(StateAborted)
			return "[interrupted]", entity.StatusInterrupted
		}

		sm.SetIteration(iteration)

		result, err := callWithRetry(ctx, e.llm, qs.snapshotMessages(), e.cfg.Model, DefaultRetryConfig(), e.logger)
		if err != nil {
			sm.RecordError()
			return "[error] " + err.Error(), entity.StatusError
		}
		qs.addTokens(result.PromptTokens, result.CompletionTokens)
		qs.appendMessage(entity.NewMessage(entity.RoleAssistant, result.Content))
		qs.appendStep(entity.TraceStep{
			Type:             entity.StepCodeGenerated,
			Iteration:        iteration,
			Content:          result.Content,
			Timestamp:        time.Now(),
			PromptTokens:     intPtr(result.PromptTokens),
			CompletionTokens: intPtr(result.CompletionTokens),
		}, result.Content)

		blocks := extractCodeBlocks(result.Content)

		if len(blocks) == 0 {
			if iteration > 0 {
				consecutiveNoCode++
				if consecutiveNoCode > e.cfg.MaxConsecutiveNoCode {
					break // treated as max-iterations exhaustion
				}
				qs.appendMessage(entity.NewMessage(entity.RoleUser, e.loader.RenderCodeRequired()))
				continue
			}
		} else {
			consecutiveNoCode = 0
		}

		_ = sm.Transition(StateSandboxExec)

		terminalAnswer, terminal, recoveryErr := e.executeBlocks(ctx, executor, blocks, docContext, qs, boundary, &recoveries, cancel, iteration)
		if recoveryErr != nil {
			_ = sm.Transition(StateError)
			return "[Executor died — cannot continue]", entity.StatusError
		}
		if terminal {
			_ = sm.Transition(StateComplete)
			return terminalAnswer, entity.StatusOK
		}

		if isCancelled(cancel) {
			_ = sm.Transition(StateAborted)
			return "[interrupted]", entity.StatusInterrupted
		}

		_ = sm.Transition(StateDriverCall)
		qs.appendMessage(entity.NewMessage(entity.RoleUser, e.loader.RenderIterationContinue(question)))
	}

	return e.maxIterFallback(ctx, qs)
}

// executeBlocks runs each extracted code block in order via executor,
// handling dead-executor recovery inline so the caller's loop stays linear.
// executor is a pointer-to-pointer so a mid-block replacement is visible to
// the caller's subsequent iterations. cancel is checked between blocks, not
// just at iteration boundaries, so a multi-block response can't run past
// the cancellation-timeliness bound by way of its later blocks.
func (e *Engine) executeBlocks(ctx context.Context, executor **sandbox.Executor, blocks []string, docContext any, qs *queryState, boundary Boundary, recoveries *int, cancel <-chan struct{}, iteration int) (string, bool, error) {
	for _, code := range blocks {
		if isCancelled(cancel) {
			return "", false, nil
		}

		if !(*executor).IsAlive() {
			if err := e.recoverExecutor(ctx, executor, docContext, qs, boundary, recoveries, iteration, code, nil); err != nil {
				return "", false, err
			}
		}

		result, err := (*executor).Exec(ctx, code)
		if err != nil {
			if recErr := e.recoverExecutor(ctx, executor, docContext, qs, boundary, recoveries, iteration, code, err); recErr != nil {
				return "", false, recErr
			}
			result, err = (*executor).Exec(ctx, code)
			if err != nil {
				return "", false, err
			}
		}

		if result.IsTerminal() {
			answer := result.TerminalAnswer()
			qs.appendStep(entity.TraceStep{
				Type:      entity.StepFinalAnswer,
				Content:   answer,
				Timestamp: time.Now(),
			}, answer)
			return answer, true, nil
		}

		echo := FormatCodeEcho(code, combineOutput(result), result.Vars, boundary)
		qs.appendMessage(entity.NewMessage(entity.RoleUser, echo))
		qs.appendStep(entity.TraceStep{
			Type:      entity.StepCodeOutput,
			Content:   echo,
			Timestamp: time.Now(),
		}, echo)
	}
	return "", false, nil
}

func combineOutput(r *entity.ExecutionResult) string {
	if r.Error != nil {
		return r.Stdout + r.Stderr + "\n[error] " + r.Error.Message
	}
	return r.Stdout + r.Stderr
}

// recoverExecutor discards the dead executor, acquires a replacement, and
// re-installs inbound handlers. cause is the error that revealed the
// executor was dead (nil if it was already marked dead before the call that
// needed it), recorded in the trace so a recovered query is distinguishable
// from one that never hit a dead executor.
func (e *Engine) recoverExecutor(ctx context.Context, executor **sandbox.Executor, docContext any, qs *queryState, boundary Boundary, recoveries *int, iteration int, code string, cause error) error {
	message := "executor died"
	if cause != nil {
		message = cause.Error()
	}
	content := fmt.Sprintf("executor recovery triggered: %s\ncode:\n%s", message, code)
	qs.appendStep(entity.TraceStep{
		Type:      entity.StepError,
		Iteration: iteration,
		Content:   content,
		Timestamp: time.Now(),
	}, content)

	if *recoveries >= e.cfg.MaxExecutorRecoveries {
		return fmt.Errorf("engine: executor recovery attempts exhausted")
	}
	*recoveries++

	e.pool.Release(ctx, *executor) // dead executor: pool discards, never reuses

	fresh, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("engine: acquire replacement executor: %w", err)
	}
	if err := fresh.SetContext(ctx, docContext); err != nil {
		e.pool.Release(ctx, fresh)
		return fmt.Errorf("engine: bind context on replacement executor: %w", err)
	}
	fresh.SetHandlers(e.queryHandler(ctx, qs, boundary), e.batchHandler(ctx, qs, boundary))
	*executor = fresh
	return nil
}

// maxIterFallback issues one extra driver call asking for a final answer
// now, once the iteration budget is exhausted.
func (e *Engine) maxIterFallback(ctx context.Context, qs *queryState) (string, entity.TraceStatus) {
	qs.appendMessage(entity.NewMessage(entity.RoleAssistant, "Please provide a final answer to the user's question based on the information provided."))

	result, err := callWithRetry(ctx, e.llm, qs.snapshotMessages(), e.cfg.Model, DefaultRetryConfig(), e.logger)
	if err != nil {
		return "[error] " + err.Error(), entity.StatusError
	}
	qs.addTokens(result.PromptTokens, result.CompletionTokens)

	answer := "[max-iter fallback] " + result.Content
	qs.appendStep(entity.TraceStep{
		Type:             entity.StepFinalAnswer,
		Content:          answer,
		Timestamp:        time.Now(),
		PromptTokens:     intPtr(result.PromptTokens),
		CompletionTokens: intPtr(result.CompletionTokens),
	}, answer)

	return answer, entity.StatusMaxIterations
}

// queryHandler answers one inbound llm_query frame: a single sub-LLM call.
func (e *Engine) queryHandler(ctx context.Context, qs *queryState, boundary Boundary) sandbox.QueryFunc {
	return func(_ context.Context, instruction, content string) (string, error) {
		if len(content) > e.cfg.MaxSubcallContentChars {
			return "", fmt.Errorf("content exceeds max_subcall_content_chars (%d > %d)", len(content), e.cfg.MaxSubcallContentChars)
		}

		renderedContent := content
		if content != "" {
			renderedContent = boundary.WrapUntrusted(content)
		}
		rendered := e.loader.RenderSubcall(instruction, renderedContent)
		msg := []entity.Message{entity.NewMessage(entity.RoleUser, rendered)}

		qs.appendStep(entity.TraceStep{Type: entity.StepSubcallRequest, Content: instruction, Timestamp: time.Now()}, instruction)

		result, err := callWithRetry(ctx, e.llm, msg, e.cfg.Model, DefaultRetryConfig(), e.logger)
		if err != nil {
			return "", err
		}
		qs.addTokens(result.PromptTokens, result.CompletionTokens)
		qs.appendStep(entity.TraceStep{
			Type:             entity.StepSubcallResponse,
			Content:          result.Content,
			Timestamp:        time.Now(),
			PromptTokens:     intPtr(result.PromptTokens),
			CompletionTokens: intPtr(result.CompletionTokens),
		}, result.Content)

		return result.Content, nil
	}
}

// batchHandler answers one inbound llm_query_batch frame, dispatching up
// to MaxSubcallParallelism calls concurrently while preserving input order
// in the output slice.
func (e *Engine) batchHandler(ctx context.Context, qs *queryState, boundary Boundary) sandbox.BatchFunc {
	return func(ctx context.Context, prompts []string) []sandbox.BatchResult {
		results := make([]sandbox.BatchResult, len(prompts))
		sem := make(chan struct{}, maxInt(1, e.cfg.MaxSubcallParallelism))
		var wg sync.WaitGroup

		handler := e.queryHandler(ctx, qs, boundary)

		for i, p := range prompts {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, p string) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						qs.logger.Error("sub-LLM handler panicked",
							zap.Int("slot", i),
							zap.Any("panic", r),
							zap.Stack("stack"),
						)
						results[i] = sandbox.BatchResult{Err: fmt.Errorf("sub-LLM call panicked: %v", r)}
					}
				}()
				text, err := handler(ctx, "", p)
				results[i] = sandbox.BatchResult{Result: text, Err: err}
			}(i, p)
		}
		wg.Wait()
		return results
	}
}

func extractCodeBlocks(content string) []string {
	matches := codeBlockPattern.FindAllStringSubmatch(content, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, m[1])
	}
	return blocks
}

// summarizeContext computes context_type/context_lengths/context_total_length
// for the driver's setup prompt. Truncation of the lengths list to the
// first 100 entries is render.go's concern, not the engine's.
func summarizeContext(documents []string) (string, []int, int) {
	contextType := "list"
	if len(documents) == 1 {
		contextType = "str"
	}

	total := 0
	lengths := make([]int, len(documents))
	for i, d := range documents {
		lengths[i] = len(d)
		total += len(d)
	}

	return contextType, lengths, total
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func intPtr(n int) *int { return &n }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
