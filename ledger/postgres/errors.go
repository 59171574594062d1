package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"slotshare/ledger"
)

// SQLSTATE codes the adapter reacts to.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeAdminShutdown        = "57P01"
)

// classify attaches a ledger error kind to raw driver errors. Errors that
// already carry a kind, such as domain errors returned from a TxFunc, pass
// through untouched.
func classify(err error) error {
	if err == nil || ledger.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", ledger.ErrTxConflict, err)
		case codeAdminShutdown:
			return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
		case codeCheckViolation:
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
		return err
	}

	var netErr net.Error
	var connectErr *pgconn.ConnectError
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &connectErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
	}
	return err
}
