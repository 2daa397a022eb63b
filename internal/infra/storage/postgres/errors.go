package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// SQLSTATE codes treated as transient.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// classify wraps retryable PostgreSQL errors with storage.ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			metrics.DBTransactionRetries.WithLabelValues(pgErr.Code).Inc()
			return fmt.Errorf("%w: %w", storage.ErrTransient, err)
		}
	}
	return err
}
