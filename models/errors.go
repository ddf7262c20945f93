package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrNotReady             = errors.New("batch is not ready for emission")
	ErrInvalidState         = errors.New("operation not allowed in current state")
	ErrNoEligibleEmployees  = errors.New("no eligible employees for batch")
	ErrEmergencyAlreadyUsed = errors.New("emergency emission already used for batch")
	ErrEvaluationConcluded  = errors.New("evaluation already concluded")
	ErrDuplicateAnswer      = errors.New("item already answered")
)

// RenderError marks a failure while building the laudo artifact. Render
// failures are transient from the emission queue's point of view.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return "laudo render failed: " + e.Err.Error()
}

func (e *RenderError) Unwrap() error { return e.Err }

// PersistError marks a failure while writing the artifact or its digest.
type PersistError struct {
	Stage string
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("laudo persist failed at %s: %s", e.Stage, e.Err.Error())
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsTransientEmissionError reports whether a failed emission attempt should
// stay in the queue for retry. Precondition failures are not transient: the
// entry waits for the sweeper to re-verify readiness instead of burning
// attempts.
func IsTransientEmissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
