package service

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
)

// traceRecordKind tags each line of the on-disk trace so a reader can
// distinguish header/step/summary records without a schema version field.
type traceRecordKind string

const (
	recordHeader  traceRecordKind = "header"
	recordStep    traceRecordKind = "step"
	recordSummary traceRecordKind = "summary"
)

// traceRecord is the on-disk envelope: one JSON object per line.
type traceRecord struct {
	Kind    traceRecordKind     `json:"kind"`
	Header  *entity.TraceHeader `json:"header,omitempty"`
	Step    *entity.TraceStep   `json:"step,omitempty"`
	Summary *entity.TraceSummary `json:"summary,omitempty"`
}

// TraceRecorder accumulates one query's Trace in memory and, if a sink path
// was given, write-ahead-logs every record to disk as it happens — so a
// crash mid-query still leaves a readable, truncated trace file rather than
// nothing. Modeled on NGOClaw's own write-ahead event bus: append first,
// dispatch (here: accumulate in memory) second.
type TraceRecorder struct {
	mu      sync.Mutex
	header  entity.TraceHeader
	steps   []entity.TraceStep
	summary *entity.TraceSummary

	file   *os.File
	writer *bufio.Writer
	logger *zap.Logger
}

// NewTraceRecorder starts a new trace. sinkPath may be empty, in which case
// the recorder accumulates in memory only (no on-disk WAL).
func NewTraceRecorder(sinkPath string, header entity.TraceHeader, logger *zap.Logger) (*TraceRecorder, error) {
	r := &TraceRecorder{
		header: header,
		logger: logger,
	}

	if sinkPath != "" {
		f, err := os.OpenFile(sinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("trace recorder: open sink: %w", err)
		}
		r.file = f
		r.writer = bufio.NewWriterSize(f, 32*1024)
	}

	if err := r.writeLocked(traceRecord{Kind: recordHeader, Header: &header}); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordStep appends a step both in memory and, if configured, to the sink.
func (r *TraceRecorder) RecordStep(step entity.TraceStep) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	r.steps = append(r.steps, step)

	if err := r.writeLocked(traceRecord{Kind: recordStep, Step: &step}); err != nil {
		r.logger.Warn("trace recorder: step write failed", zap.Error(err))
	}
}

// Finish records the terminal summary and flushes/closes the sink. Safe to
// call at most once per query.
func (r *TraceRecorder) Finish(summary entity.TraceSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary = &summary
	if err := r.writeLocked(traceRecord{Kind: recordSummary, Summary: &summary}); err != nil {
		return err
	}
	if r.writer != nil {
		if err := r.writer.Flush(); err != nil {
			return fmt.Errorf("trace recorder: flush: %w", err)
		}
	}
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("trace recorder: sync: %w", err)
		}
		return r.file.Close()
	}
	return nil
}

// Trace returns the accumulated trace. Call after Finish for a complete
// Summary; safe to call earlier for partial progress inspection.
func (r *TraceRecorder) Trace() entity.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]entity.TraceStep, len(r.steps))
	copy(steps, r.steps)

	t := entity.Trace{
		Header: r.header,
		Steps:  steps,
	}
	if r.summary != nil {
		t.Summary = *r.summary
	}
	return t
}

// writeLocked must be called with r.mu held.
func (r *TraceRecorder) writeLocked(rec traceRecord) error {
	if r.writer == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trace recorder: marshal: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("trace recorder: write: %w", err)
	}
	return r.writer.Flush()
}
