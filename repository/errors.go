package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40: Transaction Rollback
	PgErrTransactionRollback   = "40000" // transaction_rollback
	PgErrSerializationFailure  = "40001" // serialization_failure
	PgErrDeadlockDetected      = "40P01" // deadlock_detected
	PgErrInsufficientResources = "53000" // insufficient_resources

	// Class 57: Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
)

// ErrorKind is the coarse class of a RepositoryError. Transport layers map it to a status code.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindConflict   ErrorKind = "CONFLICT"
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindIntegrity  ErrorKind = "INTEGRITY"
	KindTransient  ErrorKind = "TRANSIENT"
	KindInternal   ErrorKind = "INTERNAL"
)

// Error codes returned by the repository
const (
	CodeValidation                 = "VALIDATION_ERROR"
	CodeStationOccupied            = "STATION_OCCUPIED"
	CodeStationInactive            = "STATION_INACTIVE"
	CodeStationNotFound            = "STATION_NOT_FOUND"
	CodeWorkerNotFound             = "WORKER_NOT_FOUND"
	CodeWorkerHasActiveSession     = "WORKER_HAS_ACTIVE_SESSION"
	CodeJobItemStepNotFound        = "JOB_ITEM_STEP_NOT_FOUND"
	CodeSessionNotFound            = "SESSION_NOT_FOUND"
	CodeSessionNotActive           = "SESSION_NOT_ACTIVE"
	CodeSessionMismatch            = "SESSION_MISMATCH"
	CodeGraceNotExpired            = "GRACE_NOT_EXPIRED"
	CodeStatusNotFound             = "STATUS_NOT_FOUND"
	CodeStatusProtected            = "STATUS_PROTECTED"
	CodeStatusEventNotFound        = "STATUS_EVENT_NOT_FOUND"
	CodeStatusEventSessionMismatch = "STATUS_EVENT_SESSION_MISMATCH"
	CodeStatusEventAlreadyEnded    = "STATUS_EVENT_ALREADY_ENDED"
	CodeStatusEventNotProduction   = "STATUS_EVENT_NOT_PRODUCTION"
	CodeReportRequired             = "REPORT_REQUIRED"
	CodeImageUploadFailed          = "IMAGE_UPLOAD_FAILED"
	CodeReportCreateFailed         = "REPORT_CREATE_FAILED"
	CodeWipUpdateFailed            = "WIP_UPDATE_FAILED"
	CodeDatabase                   = "DATABASE_ERROR"
	CodeCommitFailed               = "COMMIT_FAILED"
)

// Reasons attached to CodeWipUpdateFailed
const (
	WipReasonStepMissing          = "job_item_step_missing"
	WipReasonBalanceMissing       = "balance_missing"
	WipReasonUpstreamStepMissing  = "upstream_step_missing"
	WipReasonUpstreamBalance      = "upstream_balance_missing"
	WipReasonInsufficientUpstream = "insufficient_upstream"
)

// RepositoryError represent an error in the repository layer
type RepositoryError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

func newError(kind ErrorKind, code, message, detail string) *RepositoryError {
	return &RepositoryError{Kind: kind, Code: code, Message: message, Detail: detail}
}

func validationError(detail string) *RepositoryError {
	return newError(KindValidation, CodeValidation, "Invalid request", detail)
}

func sessionNotFound(sessionID string) *RepositoryError {
	return newError(KindNotFound, CodeSessionNotFound, "Session does not exist",
		fmt.Sprintf("Session with id %s does not exist", sessionID))
}

// wipUpdateFailed keeps the reason in the code so callers can tell a reconfigured pipeline from other failures.
func wipUpdateFailed(reason, detail string) *RepositoryError {
	return newError(KindIntegrity, CodeWipUpdateFailed+":"+reason, "Failed to update WIP balance", detail)
}

// dbError classifies a storage error. Constraint violations surface as CONFLICT or INTEGRITY,
// connection and serialization problems as TRANSIENT.
func dbError(err error) *RepositoryError {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return newError(KindConflict, CodeDatabase, "Duplicate record", err.Error())
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return newError(KindIntegrity, CodeDatabase, "Referenced record does not exist", err.Error())
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return newError(KindIntegrity, CodeDatabase, "Constraint violated", err.Error())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgErrUniqueViolation:
			return newError(KindConflict, CodeDatabase, "Duplicate record", pgErr.Detail)
		case PgErrForeignKeyViolation:
			return newError(KindIntegrity, CodeDatabase, "Referenced record does not exist", pgErr.Detail)
		case PgErrCheckViolation, PgErrNotNullViolation:
			return newError(KindIntegrity, CodeDatabase, "Constraint violated", pgErr.Message)
		case PgErrConnectionException, PgErrConnectionFailure, PgErrTransactionRollback,
			PgErrSerializationFailure, PgErrDeadlockDetected, PgErrInsufficientResources, PgErrAdminShutdown:
			return newError(KindTransient, CodeDatabase, "Database temporarily unavailable", pgErr.Message)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return newError(KindConflict, CodeDatabase, "Duplicate record", liteErr.Error())
		case sqlite3.ErrConstraintForeignKey:
			return newError(KindIntegrity, CodeDatabase, "Referenced record does not exist", liteErr.Error())
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return newError(KindIntegrity, CodeDatabase, "Constraint violated", liteErr.Error())
		}
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return newError(KindTransient, CodeDatabase, "Database temporarily unavailable", liteErr.Error())
		}
	}

	return newError(KindInternal, CodeDatabase, "Database error", err.Error())
}

// isDuplicate reports whether err is a unique constraint violation on any supported driver.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for errors not produced by the repository.
func KindOf(err error) ErrorKind {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) && repoErr != nil {
		return repoErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or an empty string.
func CodeOf(err error) string {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) && repoErr != nil {
		return repoErr.Code
	}
	return ""
}
