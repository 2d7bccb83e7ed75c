package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// boundaryPrefix is the fixed, publicly-known prefix every boundary token
// carries. Only the 128-bit suffix is secret.
const boundaryPrefix = "UNTRUSTED_CONTENT_"

// Boundary is a per-query random token that brackets untrusted content in
// every prompt it reaches. It lives for exactly one query and is owned by
// that query alone — never persisted, never logged in full.
type Boundary string

// GenerateBoundary returns a fresh token: the fixed prefix followed by 32 hex
// characters drawn from a cryptographically strong source (128 bits of
// entropy). The RNG is treated as infallible — crypto/rand.Read only fails
// on a broken OS entropy source, which callers cannot recover from anyway.
func GenerateBoundary() Boundary {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("service: crypto/rand unavailable: %v", err))
	}
	return Boundary(boundaryPrefix + hex.EncodeToString(buf))
}

// WrapUntrusted returns content bracketed by this boundary's BEGIN/END
// markers. The content may itself contain the literal prefix
// "UNTRUSTED_CONTENT_" — it cannot predict the 128-bit suffix, so it cannot
// forge the END marker and escape the wrapper.
func (b Boundary) WrapUntrusted(content string) string {
	return fmt.Sprintf("%s_BEGIN\n%s\n%s_END", b, content, b)
}

// String renders the boundary. Present only for formatting inside
// WrapUntrusted and render.go's security clause; callers must still honor
// the "never logged in full" rule at the log call site.
func (b Boundary) String() string {
	return string(b)
}
