package entity

import "time"

// TraceStepType enumerates the kinds of events recorded in a query's Trace.
type TraceStepType string

const (
	StepCodeGenerated        TraceStepType = "code_generated"
	StepCodeOutput            TraceStepType = "code_output"
	StepSubcallRequest        TraceStepType = "subcall_request"
	StepSubcallResponse       TraceStepType = "subcall_response"
	StepFinalAnswer           TraceStepType = "final_answer"
	StepError                 TraceStepType = "error"
	StepVerification          TraceStepType = "verification"
	StepSemanticVerification  TraceStepType = "semantic_verification"
)

// TraceStep is one entry in a query's ordered event log.
type TraceStep struct {
	Type             TraceStepType `json:"type"`
	Iteration        int           `json:"iteration"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	PromptTokens     *int          `json:"prompt_tokens,omitempty"`
	CompletionTokens *int          `json:"completion_tokens,omitempty"`
	DurationMs       *int64        `json:"duration_ms,omitempty"`
}

// TraceStatus is the final disposition of a query, recorded in its Summary.
type TraceStatus string

const (
	StatusOK            TraceStatus = "ok"
	StatusInterrupted   TraceStatus = "interrupted"
	StatusMaxIterations TraceStatus = "max_iterations"
	StatusError         TraceStatus = "error"
)

// TraceHeader is the first record written for a query, before any steps.
type TraceHeader struct {
	TraceID   string    `json:"trace_id"`
	Question  string    `json:"question"`
	Model     string    `json:"model"`
	StartTime time.Time `json:"start_time"`
}

// TraceSummary is the last record written for a query.
type TraceSummary struct {
	Status           TraceStatus `json:"status"`
	TotalSteps       int         `json:"total_steps"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	DurationMs       int64       `json:"duration_ms"`
}

// Trace is the ordered event log of one query, returned alongside the answer.
type Trace struct {
	Header  TraceHeader  `json:"header"`
	Steps   []TraceStep  `json:"steps"`
	Summary TraceSummary `json:"summary"`
}
