package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState represents the discrete states of one query's iteration loop.
type AgentState string

const (
	StateIdle        AgentState = "idle"         // waiting to start
	StateDriverCall  AgentState = "driver_call"  // calling the driver LLM
	StateSandboxExec AgentState = "sandbox_exec" // executing a code block
	StateRetrying    AgentState = "retrying"     // waiting between retry attempts
	StateComplete    AgentState = "complete"     // terminal answer produced
	StateError       AgentState = "error"        // terminated with error
	StateAborted     AgentState = "aborted"      // cancelled
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[AgentState]map[AgentState]bool{
	StateIdle: {
		StateDriverCall: true,
	},
	StateDriverCall: {
		StateSandboxExec: true,
		StateRetrying:    true,
		StateComplete:    true,
		StateError:       true,
		StateAborted:     true,
	},
	StateSandboxExec: {
		StateDriverCall: true, // back to the driver after code-echo
		StateComplete:   true, // FINAL/FINAL_VAR observed mid-block
		StateError:      true,
		StateAborted:    true,
	},
	StateRetrying: {
		StateDriverCall: true,
		StateError:      true,
		StateAborted:    true,
	},
	// Terminal states — no transitions out
	StateComplete: {},
	StateError:    {},
	StateAborted:  {},
}

// StateSnapshot captures the engine's runtime state at a point in time.
type StateSnapshot struct {
	State           AgentState    `json:"state"`
	Iteration       int           `json:"iteration"`
	MaxIterations   int           `json:"max_iterations"` // 0 = unlimited
	TokensUsed      int           `json:"tokens_used"`
	ExecutionsCount int           `json:"executions_count"`
	RetryCount      int           `json:"retry_count"`
	ErrorCount      int           `json:"error_count"`
	Elapsed         time.Duration `json:"elapsed"`
}

// StateMachine manages state transitions for one query's engine run.
// Thread-safe — the engine's main loop and sub-LLM handler goroutines both
// touch it.
type StateMachine struct {
	mu              sync.RWMutex
	state           AgentState
	iteration       int
	maxIterations   int
	tokensUsed      int
	executionsCount int
	retryCount      int
	errorCount      int
	startTime       time.Time
	logger          *zap.Logger

	listeners []func(from, to AgentState, snap StateSnapshot)
}

// NewStateMachine creates a state machine starting in Idle.
func NewStateMachine(maxIterations int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:         StateIdle,
		maxIterations: maxIterations,
		startTime:     time.Now(),
		logger:        logger,
	}
}

// State returns the current state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a full copy of the current runtime state.
func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:           sm.state,
		Iteration:       sm.iteration,
		MaxIterations:   sm.maxIterations,
		TokensUsed:      sm.tokensUsed,
		ExecutionsCount: sm.executionsCount,
		RetryCount:      sm.retryCount,
		ErrorCount:      sm.errorCount,
		Elapsed:         time.Since(sm.startTime),
	}
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		sm.logger.Error("state machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("iteration", snap.Iteration),
	)

	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

// OnTransition registers a listener called on every state change.
func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// --- Mutation helpers (all thread-safe) ---

func (sm *StateMachine) SetIteration(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.iteration = n
}

func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

func (sm *StateMachine) RecordExecution() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.executionsCount++
}

func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// IsTerminal returns true if the state machine is in a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}
