package service

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/infrastructure/prompt"
	"github.com/shesha-run/shesha/internal/infrastructure/sandbox"
)

// scriptedLLM answers each Complete call with the next entry in responses,
// in order, regardless of what messages were sent.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *scriptedLLM) Complete(_ context.Context, _ []entity.Message, _ string) (CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return CompletionResult{Content: "FINAL(\"out of script\")"}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return CompletionResult{Content: r, PromptTokens: 10, CompletionTokens: 5}, nil
}

func testLoader(t *testing.T) *prompt.Loader {
	t.Helper()
	logger := zap.NewNop()
	l, err := prompt.NewLoader("", logger)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// testPool wraps a ContainerPool whose spawn function hands out
// pipe-backed fake executors, pushing each fake interpreter end onto
// processes so the test can drive it.
func testPool(t *testing.T, processes chan *sandbox.TestProcess) *sandbox.ContainerPool {
	t.Helper()
	logger := zap.NewNop()
	p := sandbox.NewContainerPool(4, sandbox.Config{}, logger)
	p.SetSpawnForTest(func() (*sandbox.Executor, error) {
		e, tp := sandbox.NewPipeExecutor(logger)
		processes <- tp
		return e, nil
	})
	return p
}

// respondResets answers every subsequent "reset" frame until the pipe
// closes. The engine always resets a live executor before releasing it, so
// every fake-interpreter goroutine that stays alive to the end of a query
// must keep responding here after its scenario-specific exchange finishes.
func respondResets(tp *sandbox.TestProcess) {
	for {
		f, err := tp.ReadFrame()
		if err != nil {
			return
		}
		if f.Action == "reset" {
			_ = tp.WriteFrame(map[string]any{"action": "reset_ok"})
			continue
		}
		return
	}
}

// driveInitExecResult runs one init round-trip followed by one exec
// round-trip replying with result, then keeps answering resets.
func driveInitExecResult(tp *sandbox.TestProcess, result map[string]any) {
	go func() {
		if _, err := tp.ReadFrame(); err != nil {
			return
		}
		_ = tp.WriteFrame(map[string]any{"action": "init_ok"})

		if _, err := tp.ReadFrame(); err != nil {
			return
		}
		r := map[string]any{"action": "result", "status": "ok"}
		for k, v := range result {
			r[k] = v
		}
		_ = tp.WriteFrame(r)

		respondResets(tp)
	}()
}

// driveInitOnly answers the init handshake and nothing else but resets —
// used by scenarios where the loop never reaches an exec frame (no code
// blocks extracted, or cancellation before the first exec).
func driveInitOnly(tp *sandbox.TestProcess) {
	go func() {
		if _, err := tp.ReadFrame(); err != nil {
			return
		}
		_ = tp.WriteFrame(map[string]any{"action": "init_ok"})
		respondResets(tp)
	}()
}

func TestEngine_TrivialFinal(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```repl\nFINAL(\"42\")\n```"}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		driveInitExecResult(tp, map[string]any{"final_answer": "42"})
	}()

	res, err := eng.Query(context.Background(), []string{"doc one"}, "what is it?", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Answer != "42" {
		t.Errorf("expected answer 42, got %q", res.Answer)
	}
	if res.Trace.Summary.Status != entity.StatusOK {
		t.Errorf("expected StatusOK, got %v", res.Trace.Summary.Status)
	}
}

func TestEngine_FinalVar(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```repl\nx = 7\nFINAL_VAR(\"x\")\n```"}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		driveInitExecResult(tp, map[string]any{"final_var": "x", "final_value": "7"})
	}()

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Answer != "7" {
		t.Errorf("expected answer 7, got %q", res.Answer)
	}
}

func TestEngine_SubcallDelegation(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"```repl\nr = llm_query(\"summarize\", \"body\")\nFINAL(r)\n```",
	}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		if _, err := tp.ReadFrame(); err != nil { // init
			return
		}
		_ = tp.WriteFrame(map[string]any{"action": "init_ok"})

		if _, err := tp.ReadFrame(); err != nil { // exec
			return
		}
		_ = tp.WriteFrame(map[string]any{"action": "llm_query", "instruction": "summarize", "content": "body"})

		if _, err := tp.ReadFrame(); err != nil { // llm_response
			return
		}
		_ = tp.WriteFrame(map[string]any{"action": "result", "status": "ok", "final_answer": "subcall answer"})

		respondResets(tp)
	}()

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Answer != "subcall answer" {
		t.Errorf("expected subcall-delegated answer, got %q", res.Answer)
	}

	var sawRequest, sawResponse bool
	for _, step := range res.Trace.Steps {
		if step.Type == entity.StepSubcallRequest {
			sawRequest = true
		}
		if step.Type == entity.StepSubcallResponse {
			sawResponse = true
		}
	}
	if !sawRequest || !sawResponse {
		t.Errorf("expected subcall request+response trace steps, got %+v", res.Trace.Steps)
	}
}

func TestEngine_MaxIterationsFallback(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxIterations = 2

	responses := make([]string, 0, cfg.MaxIterations+1)
	for i := 0; i < cfg.MaxIterations; i++ {
		responses = append(responses, "no code here, just thinking")
	}
	responses = append(responses, "the final answer is done")
	llm := &scriptedLLM{responses: responses}

	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(cfg, llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		driveInitOnly(tp)
	}()

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Trace.Summary.Status != entity.StatusMaxIterations {
		t.Errorf("expected StatusMaxIterations, got %v", res.Trace.Summary.Status)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```repl\nFINAL(\"never gets here\")\n```"}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		driveInitOnly(tp)
	}()

	cancel := make(chan struct{})
	close(cancel)

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", cancel, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Trace.Summary.Status != entity.StatusInterrupted {
		t.Errorf("expected StatusInterrupted, got %v", res.Trace.Summary.Status)
	}
}

func TestEngine_DeadExecutorRecovery(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"```repl\nFINAL(\"recovered\")\n```",
	}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tp := <-processes
		_, _ = tp.ReadFrame() // init
		_ = tp.WriteFrame(map[string]any{"action": "init_ok"})
		_, _ = tp.ReadFrame() // exec
		_ = tp.Close()        // die mid-exec: Exec's read sees EOF
	}()

	go func() {
		wg.Wait()
		tp := <-processes
		driveInitExecResult(tp, map[string]any{"final_answer": "recovered"})
	}()

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Answer != "recovered" {
		t.Errorf("expected recovery to produce an answer, got %q, status %v", res.Answer, res.Trace.Summary.Status)
	}
}

func TestEngine_SubcallContentTooLarge(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxSubcallContentChars = 4

	llm := &scriptedLLM{responses: []string{
		"```repl\ntry:\n    llm_query('x', 'way too long')\nexcept Exception as e:\n    FINAL(str(e))\n```",
	}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(cfg, llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		_, _ = tp.ReadFrame() // init
		_ = tp.WriteFrame(map[string]any{"action": "init_ok"})
		_, _ = tp.ReadFrame() // exec
		_ = tp.WriteFrame(map[string]any{"action": "llm_query", "instruction": "x", "content": "way too long"})
		f, err := tp.ReadFrame()
		if err != nil {
			return
		}
		if f.Action != "llm_error" {
			t.Errorf("expected llm_error for oversized subcall content, got %q", f.Action)
		}
		_ = tp.WriteFrame(map[string]any{"action": "result", "status": "ok", "final_answer": "rejected"})

		respondResets(tp)
	}()

	res, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Answer != "rejected" {
		t.Errorf("expected rejected, got %q", res.Answer)
	}
}

func TestEngine_ProgressCallbackReceivesSteps(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```repl\nFINAL(\"done\")\n```"}}
	processes := make(chan *sandbox.TestProcess, 4)
	pool := testPool(t, processes)
	eng := NewEngine(DefaultEngineConfig(), llm, pool, testLoader(t), zap.NewNop())

	go func() {
		tp := <-processes
		driveInitExecResult(tp, map[string]any{"final_answer": "done"})
	}()

	var mu sync.Mutex
	var seen []entity.TraceStepType
	onProgress := func(stepType entity.TraceStepType, _ int, _ string, _ entity.TokenUsage) {
		mu.Lock()
		seen = append(seen, stepType)
		mu.Unlock()
	}

	_, err := eng.Query(context.Background(), []string{"doc"}, "q", nil, onProgress, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected at least one progress callback")
	}
	if seen[0] != entity.StepCodeGenerated {
		t.Errorf("expected first step to be StepCodeGenerated, got %v", seen[0])
	}
}
