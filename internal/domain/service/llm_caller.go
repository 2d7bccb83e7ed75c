package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
)

// RetryConfig controls callWithRetry's backoff schedule.
type RetryConfig struct {
	MaxRetries    int
	RetryBaseWait time.Duration
}

// DefaultRetryConfig mirrors NGOClaw's own callLLMWithRetry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, RetryBaseWait: 2 * time.Second}
}

// callWithRetry calls client.Complete with exponential backoff on transient
// errors, the same retry/backoff shape NGOClaw's own callLLMWithRetry uses,
// stripped of the streaming delta forwarding Shesha has no use for — it
// never delivers incremental tokens.
func callWithRetry(ctx context.Context, client LLMClient, messages []entity.Message, model string, cfg RetryConfig, logger *zap.Logger) (CompletionResult, error) {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := cfg.RetryBaseWait * (1 << (attempt - 1))
			logger.Warn("retrying LLM call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", cfg.MaxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return CompletionResult{}, ctx.Err()
			}
		}

		result, err := client.Complete(ctx, messages, model)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return CompletionResult{}, fmt.Errorf("non-retryable LLM error: %w", err)
		}
	}

	return CompletionResult{}, fmt.Errorf("LLM call failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// isRetryableError classifies an LLM error as worth a retry, kept verbatim
// from NGOClaw's own heuristic (string-matched error categories — no
// provider exposes a structured retryable flag).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"context canceled",
		"unauthorized",
		"invalid api key",
		"bad request",
		"invalid argument",
		"model not found",
	}
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryable := []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"eof",
		"server error",
		"502", "503", "504", "529",
		"rate limit",
		"too many requests",
		"overloaded",
		"temporarily unavailable",
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return true
}
