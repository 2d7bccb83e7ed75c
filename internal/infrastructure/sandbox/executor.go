package sandbox

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
)

//go:embed interpreter/interpreter.py
var interpreterScript embed.FS

// ellipsisMarker marks truncated output: truncation is recorded in the
// content, never silently dropped.
const ellipsisMarker = "\n... [truncated]"

// QueryFunc answers one inbound llm_query frame.
type QueryFunc func(ctx context.Context, instruction, content string) (string, error)

// BatchResult is one slot of an llm_query_batch response.
type BatchResult struct {
	Result string
	Err    error
}

// BatchFunc answers one inbound llm_query_batch frame. The returned slice
// must be the same length as prompts and index-aligned.
type BatchFunc func(ctx context.Context, prompts []string) []BatchResult

// Config configures one Executor's sandbox process.
type Config struct {
	PythonBin      string        // interpreter binary, default "python3"
	Timeout        time.Duration // per-exec wall clock budget
	MaxOutputChars int           // stdout/stderr truncation threshold
	WorkDir        string
}

// DefaultConfig keeps the same shape NGOClaw's own DefaultConfig uses
// (Python as the allowed sandboxed language, a real user HOME as the
// working directory), narrowed to what one long-lived interpreter process
// needs.
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = os.TempDir()
	}
	return Config{
		PythonBin:      "python3",
		Timeout:        30 * time.Second,
		MaxOutputChars: 50_000,
		WorkDir:        homeDir,
	}
}

// Executor owns one sandbox process and the framed JSON conversation with
// it. Not safe for concurrent Exec calls — the pool guarantees at most one
// query holds a given Executor at a time.
type Executor struct {
	cfg    Config
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu    sync.Mutex
	alive bool

	query QueryFunc
	batch BatchFunc
}

// StartExecutor launches a fresh interpreter process. The `context`
// built-in starts nil; SetContext binds it to a query's documents once the
// executor is acquired from the pool, per the pool's per-acquire contract.
func StartExecutor(cfg Config, logger *zap.Logger) (*Executor, error) {
	scriptPath, err := materializeInterpreter()
	if err != nil {
		return nil, fmt.Errorf("sandbox: materialize interpreter: %w", err)
	}

	cmd := exec.Command(cfg.PythonBin, scriptPath)
	cmd.Dir = cfg.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr // interpreter crash diagnostics only; protocol never uses stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start interpreter: %w", err)
	}

	e := &Executor{
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		alive:  true,
	}

	if err := e.writeFrame(map[string]any{"context": nil}); err != nil {
		_ = e.Stop()
		return nil, fmt.Errorf("sandbox: send initial context: %w", err)
	}

	return e, nil
}

// SetContext rebinds the `context` built-in for the query that just
// acquired this executor, without disturbing any already-reset namespace
// state.
func (e *Executor) SetContext(ctx context.Context, value any) error {
	if !e.IsAlive() {
		return fmt.Errorf("sandbox: executor is dead")
	}
	if err := e.writeFrame(outboundFrame{Action: ActionInit, Context: value}); err != nil {
		e.markDead()
		return fmt.Errorf("sandbox: write init frame: %w", err)
	}
	f, err := e.readFrame()
	if err != nil {
		e.markDead()
		return fmt.Errorf("sandbox: read init_ok: %w", err)
	}
	if f.Action != ActionInitOK {
		e.markDead()
		return fmt.Errorf("sandbox: expected init_ok, got %q", f.Action)
	}
	return nil
}

// SetHandlers binds this query's inbound-LLM callbacks. Must be called
// after acquire and before the first Exec.
func (e *Executor) SetHandlers(query QueryFunc, batch BatchFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = query
	e.batch = batch
}

// ClearHandlers detaches the previous query's callbacks — part of the
// engine's exit path, so a released-then-reacquired Executor never retains
// a stale query's closures.
func (e *Executor) ClearHandlers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = nil
	e.batch = nil
}

// IsAlive reports whether the process is still usable.
func (e *Executor) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

func (e *Executor) markDead() {
	e.mu.Lock()
	e.alive = false
	e.mu.Unlock()
}

// Exec runs code against the persistent namespace, servicing any inbound
// llm_query/llm_query_batch frames until the sandbox emits its result.
// A non-nil error means the executor is dead (transport failure or
// timeout); the caller must discard it. A dead executor never returns a
// usable *entity.ExecutionResult alongside an error.
func (e *Executor) Exec(ctx context.Context, code string) (*entity.ExecutionResult, error) {
	if !e.IsAlive() {
		return nil, fmt.Errorf("sandbox: executor is dead")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	if err := e.writeFrame(outboundFrame{Action: ActionExec, Code: code}); err != nil {
		e.markDead()
		return nil, fmt.Errorf("sandbox: write exec frame: %w", err)
	}

	type readOutcome struct {
		frame inboundFrame
		err   error
	}
	frames := make(chan readOutcome, 1)

	for {
		go func() {
			f, err := e.readFrame()
			frames <- readOutcome{f, err}
		}()

		select {
		case <-execCtx.Done():
			e.markDead()
			return nil, fmt.Errorf("sandbox: exec timed out: %w", execCtx.Err())
		case out := <-frames:
			if out.err != nil {
				e.markDead()
				return nil, fmt.Errorf("sandbox: read frame: %w", out.err)
			}

			switch out.frame.Action {
			case ActionResult:
				return e.toExecutionResult(out.frame), nil
			case ActionLLMQuery:
				e.serviceLLMQuery(execCtx, out.frame)
			case ActionLLMQueryBatch:
				e.serviceLLMQueryBatch(execCtx, out.frame)
			default:
				e.markDead()
				return nil, fmt.Errorf("sandbox: unexpected frame action %q", out.frame.Action)
			}
		}
	}
}

func (e *Executor) serviceLLMQuery(ctx context.Context, f inboundFrame) {
	e.mu.Lock()
	handler := e.query
	e.mu.Unlock()

	if handler == nil {
		_ = e.writeFrame(llmErrorFrame{Action: ActionLLMError, Message: "no llm_query handler bound"})
		return
	}

	result, err := handler(ctx, f.Instruction, f.Content)
	if err != nil {
		_ = e.writeFrame(llmErrorFrame{Action: ActionLLMError, Message: err.Error()})
		return
	}
	_ = e.writeFrame(llmResponseFrame{Action: ActionLLMResponse, Result: result})
}

func (e *Executor) serviceLLMQueryBatch(ctx context.Context, f inboundFrame) {
	e.mu.Lock()
	handler := e.batch
	e.mu.Unlock()

	if handler == nil {
		slots := make([]batchSlot, len(f.Prompts))
		for i := range slots {
			msg := "no llm_query_batched handler bound"
			slots[i] = batchSlot{Error: &msg}
		}
		_ = e.writeFrame(llmBatchResponseFrame{Action: ActionLLMBatchResult, Results: slots})
		return
	}

	results := handler(ctx, f.Prompts)
	slots := make([]batchSlot, len(results))
	for i, r := range results {
		if r.Err != nil {
			msg := r.Err.Error()
			slots[i] = batchSlot{Error: &msg}
		} else {
			val := r.Result
			slots[i] = batchSlot{Result: &val}
		}
	}
	_ = e.writeFrame(llmBatchResponseFrame{Action: ActionLLMBatchResult, Results: slots})
}

func (e *Executor) toExecutionResult(f inboundFrame) *entity.ExecutionResult {
	r := &entity.ExecutionResult{
		Status: entity.ExecStatus(f.Status),
		Stdout: truncate(f.Stdout, e.cfg.MaxOutputChars),
		Stderr: truncate(f.Stderr, e.cfg.MaxOutputChars),
		Vars:   f.Vars,
	}
	if f.Error != nil {
		r.Error = &entity.ExecError{
			Kind:    entity.ErrorKind(f.Error.Kind),
			Message: f.Error.Message,
		}
	}
	r.FinalAnswer = f.FinalAnswer
	r.FinalVar = f.FinalVar
	if f.FinalValue != nil {
		s := stringifyValue(f.FinalValue)
		r.FinalValue = &s
	}
	return r
}

func stringifyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + ellipsisMarker
}

// Reset clears all user-created names in the sandbox, keeping built-ins and
// context intact.
func (e *Executor) Reset(ctx context.Context) error {
	if !e.IsAlive() {
		return fmt.Errorf("sandbox: executor is dead")
	}
	if err := e.writeFrame(outboundFrame{Action: ActionReset}); err != nil {
		e.markDead()
		return fmt.Errorf("sandbox: write reset frame: %w", err)
	}
	f, err := e.readFrame()
	if err != nil {
		e.markDead()
		return fmt.Errorf("sandbox: read reset_ok: %w", err)
	}
	if f.Action != ActionResetOK {
		e.markDead()
		return fmt.Errorf("sandbox: expected reset_ok, got %q", f.Action)
	}
	return nil
}

// Stop terminates the sandbox process. Idempotent — safe to call on an
// already-dead or already-stopped executor, and safe to call from every
// exit path (including after a panic) per the pool's conservation
// guarantee.
func (e *Executor) Stop() error {
	e.mu.Lock()
	wasAlive := e.alive
	e.alive = false
	cmd := e.cmd
	stdin := e.stdin
	e.mu.Unlock()

	if !wasAlive && cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

func (e *Executor) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.stdin.Write(data)
	return err
}

func (e *Executor) readFrame() (inboundFrame, error) {
	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		return inboundFrame{}, err
	}
	var f inboundFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("parse frame: %w", err)
	}
	return f, nil
}

// materializeInterpreter writes the embedded interpreter script to a
// temp file once per process lifetime, the same way NGOClaw's ExecuteScript
// shells out to a temp script file.
var (
	materializeOnce sync.Once
	materializedPath string
	materializeErr   error
)

func materializeInterpreter() (string, error) {
	materializeOnce.Do(func() {
		data, err := interpreterScript.ReadFile("interpreter/interpreter.py")
		if err != nil {
			materializeErr = err
			return
		}
		f, err := os.CreateTemp("", "shesha-interpreter-*.py")
		if err != nil {
			materializeErr = err
			return
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			materializeErr = err
			return
		}
		materializedPath = f.Name()
	})
	return materializedPath, materializeErr
}
