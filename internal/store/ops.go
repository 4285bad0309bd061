package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// attemptResult holds the outcome of a single idempotent operation attempt.
type attemptResult[T any] struct {
	result   T
	replayed bool
	err      error
	done     bool // true = return this result; false = retryable error, try again
}

// attemptIdempotent executes a single idempotent operation attempt.
// Returns done=true for non-retryable errors or success, done=false for retryable errors.
func attemptIdempotent[T any](
	db *sql.DB,
	tenantID, requestID, command string,
	operation func(tx *sql.Tx) (T, error),
) attemptResult[T] {
	tx, err := db.Begin()
	if err != nil {
		return attemptResult[T]{err: fmt.Errorf("failed to begin transaction: %w", err), done: true}
	}

	existing, done, err := beginIdempotencyTx(tx, tenantID, requestID, command)
	if err != nil {
		_ = tx.Rollback()
		return attemptResult[T]{err: err} // done=false, retryable
	}

	if done {
		var result T
		if err := json.Unmarshal([]byte(existing), &result); err != nil {
			_ = tx.Rollback()
			return attemptResult[T]{err: fmt.Errorf("failed to decode idempotency result: %w", err), done: true}
		}
		if err := tx.Commit(); err != nil {
			return attemptResult[T]{err: fmt.Errorf("failed to commit transaction: %w", err), done: true}
		}
		return attemptResult[T]{result: result, replayed: true, done: true}
	}

	opResult, err := operation(tx)
	if err != nil {
		_ = tx.Rollback()
		if isRetryableError(err) {
			return attemptResult[T]{err: err}
		}
		return attemptResult[T]{err: err, done: true}
	}

	b, err := json.Marshal(opResult)
	if err != nil {
		_ = tx.Rollback()
		return attemptResult[T]{err: fmt.Errorf("failed to encode idempotency result: %w", err), done: true}
	}

	if err := completeIdempotencyTx(tx, tenantID, requestID, string(b)); err != nil {
		_ = tx.Rollback()
		return attemptResult[T]{err: err} // retryable
	}

	if err := tx.Commit(); err != nil {
		return attemptResult[T]{err: fmt.Errorf("failed to commit transaction: %w", err), done: true}
	}

	return attemptResult[T]{result: opResult, done: true}
}

// RunIdempotent executes an idempotent operation once per (tenant_id, request_id).
// A replayed call returns the stored result without re-running side effects, so
// retried daemon requests are exactly-once from the caller's point of view.
func RunIdempotent[T any](db *sql.DB, tenantID, requestID, command string, operation func(tx *sql.Tx) (T, error)) (T, error) {
	out, _, err := RunIdempotentReplayed(db, tenantID, requestID, command, operation)
	return out, err
}

// RunIdempotentReplayed is RunIdempotent plus a replayed flag telling the
// caller whether the result came from the idempotency table.
func RunIdempotentReplayed[T any](
	db *sql.DB,
	tenantID, requestID, command string,
	operation func(tx *sql.Tx) (T, error),
) (result T, replayed bool, err error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		r := attemptIdempotent(db, tenantID, requestID, command, operation)
		if r.done {
			return r.result, r.replayed, r.err
		}
		// Not done = retryable contention; loop.
		if attempt == maxAttempts-1 {
			return r.result, false, r.err
		}
	}

	return result, false, fmt.Errorf("idempotent operation exhausted retry attempts")
}
