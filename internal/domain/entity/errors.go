package entity

import "errors"

// Sentinel errors returned by the domain model's own invariants — distinct
// from sandbox exec errors (ExecError) and engine-level failures, which are
// represented as values rather than Go errors wherever the trace needs them.
var (
	ErrEmptyDocumentName  = errors.New("entity: document name must not be empty")
	ErrNoDocuments        = errors.New("entity: query requires at least one document")
	ErrUnknownDocument    = errors.New("entity: no document with that name")
	ErrBoundaryExhausted  = errors.New("entity: boundary generation failed")
)
