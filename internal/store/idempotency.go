package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// beginIdempotencyTx attempts to claim (tenant_id, request_id). If it already
// exists, it returns the previously stored result_json for replay.
//
// Intentionally unexported: all callers go through RunIdempotent, which keeps
// begin + side effects + complete inside one transaction. Direct usage risks
// leaving empty result_json rows on partial commits.
func beginIdempotencyTx(tx *sql.Tx, tenantID, requestID, command string) (existingResultJSON string, alreadyDone bool, err error) {
	if tenantID == "" {
		return "", false, fmt.Errorf("tenant id is required")
	}
	if requestID == "" {
		return "", false, fmt.Errorf("request id is required")
	}
	if command == "" {
		return "", false, fmt.Errorf("idempotency command is required")
	}

	_, err = tx.Exec(`
		INSERT INTO idempotency (tenant_id, request_id, command, result_json)
		VALUES (?, ?, ?, '')
	`, tenantID, requestID, command)
	if err == nil {
		return "", false, nil
	}
	if !IsUniqueConstraintErr(err) {
		return "", false, fmt.Errorf("failed to insert idempotency row: %w", err)
	}

	var existingCommand string
	var resultJSON string
	if err := tx.QueryRow(`
		SELECT command, result_json
		FROM idempotency
		WHERE tenant_id = ? AND request_id = ?
	`, tenantID, requestID).Scan(&existingCommand, &resultJSON); err != nil {
		return "", false, fmt.Errorf("failed to load idempotency row: %w", err)
	}
	if existingCommand != command {
		return "", false, fmt.Errorf("idempotency key collision: request_id %q already used for command %q (new: %q)", requestID, existingCommand, command)
	}
	if strings.TrimSpace(resultJSON) == "" {
		// Should never happen while callers keep begin+work+complete in one
		// tx; handled so concurrent workers back off instead of wedging.
		return "", false, fmt.Errorf("%w: tenant=%q request_id=%q command=%q", ErrIdempotencyInProgress, tenantID, requestID, command)
	}
	return resultJSON, true, nil
}

func completeIdempotencyTx(tx *sql.Tx, tenantID, requestID, resultJSON string) error {
	if resultJSON == "" {
		// Disallow empty: indistinguishable from "not completed" in debugging.
		return fmt.Errorf("idempotency result json must be non-empty")
	}
	res, err := tx.Exec(`
		UPDATE idempotency
		SET result_json = ?
		WHERE tenant_id = ? AND request_id = ?
	`, resultJSON, tenantID, requestID)
	if err != nil {
		return fmt.Errorf("failed to update idempotency row: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check idempotency rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("idempotency row not found for tenant=%q request_id=%q", tenantID, requestID)
	}
	return nil
}

// IsUniqueConstraintErr checks for SQLite unique constraint violations.
//
// Detection relies on modernc.org/sqlite error message format (v1.45+):
//
//	"constraint failed: UNIQUE constraint failed: table.col (2067)"
//
// If modernc changes its error format in a major version bump, update
// the string match below.
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
