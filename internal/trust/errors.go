package trust

import (
	"errors"
	"fmt"
)

// The closed set of errors callers branch on. Anything else is transient.
var (
	ErrRateLimited     = errors.New("trust: rate limited")
	ErrForbidden       = errors.New("trust: forbidden")
	ErrValidation      = errors.New("trust: validation failed")
	ErrNotFound        = errors.New("trust: not found")
	ErrDuplicateReport = errors.New("trust: duplicate report")
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user service is required")
	errMissingLedger   = errors.New("ledger is required")
	errMissingScorer   = errors.New("spam scorer is required")
)

// ServiceError wraps a transient failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "trust.service.new"
	opIngest      = "trust.ingest"
	opReport      = "trust.report"
	opVisible     = "trust.visible_artifacts"
	opApplyEvent  = "trust.apply_event"
	opEnsureUser  = "trust.ensure_user"
	opLike        = "trust.like"
	opDeleteOwned = "trust.delete_owned"
	opSanction    = "trust.sanction"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// validationError wraps ErrValidation with the failing field.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
