// Package errors defines the outcome taxonomy shared by the ledger facade, the
// contract resolver, the identity and reward services and the operation
// tracker. Every failure surfaced to a caller matches exactly one of the
// sentinel values below through errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = stderrors.New("configuration error")
	ErrValidation    = stderrors.New("validation error")
	ErrParse         = stderrors.New("parse error")
	ErrPrecondition  = stderrors.New("precondition failed")
	ErrDeployment    = stderrors.New("deployment error")
	ErrOperation     = stderrors.New("operation rejected")
	ErrTimeout       = stderrors.New("operation timed out")
	ErrBusy          = stderrors.New("action already in flight")
)

// ConfigurationError reports a missing or malformed session parameter. It is
// fatal: the session cannot proceed without reconfiguration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %s", e.Reason)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ValidationError rejects caller input before anything is submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ParseError reports a reward descriptor without a usable leading amount.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// PreconditionError reports session state that forbids the operation, such as
// a claim without a connected wallet address.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Reason
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// DeploymentClass groups irrecoverable deploy failures.
type DeploymentClass string

const (
	SchemaBreak    DeploymentClass = "SchemaBreak"
	UpdateConflict DeploymentClass = "UpdateConflict"
	NetworkFailure DeploymentClass = "NetworkFailure"
)

// DeploymentError is returned by the contract resolver.
type DeploymentError struct {
	Class    DeploymentClass
	Contract string
	AppID    uint64
	Err      error
}

func (e *DeploymentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deploy %s", e.Contract)
	if e.AppID != 0 {
		fmt.Fprintf(&b, " (app %d)", e.AppID)
	}
	fmt.Fprintf(&b, ": %s", e.Class)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DeploymentError) Is(target error) bool { return target == ErrDeployment }

func (e *DeploymentError) Unwrap() error { return e.Err }

// OperationError reports a ledger rejection of a submitted operation: fee,
// signature or contract logic. Retrying is permitted.
type OperationError struct {
	Method  string
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Method == "" {
		return "operation rejected: " + e.Message
	}
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Message)
}

func (e *OperationError) Is(target error) bool { return target == ErrOperation }

func (e *OperationError) Unwrap() error { return e.Err }

// Configuration builds a ConfigurationError.
func Configuration(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Parse builds a ParseError.
func Parse(input, reason string) error {
	return &ParseError{Input: input, Reason: reason}
}

// Precondition builds a PreconditionError.
func Precondition(reason string) error {
	return &PreconditionError{Reason: reason}
}

// Deployment builds a DeploymentError.
func Deployment(class DeploymentClass, contract string, appID uint64, err error) error {
	return &DeploymentError{Class: class, Contract: contract, AppID: appID, Err: err}
}

// Operation builds an OperationError.
func Operation(method string, err error) error {
	msg := "rejected"
	if err != nil {
		msg = err.Error()
	}
	return &OperationError{Method: method, Message: msg, Err: err}
}

// Timeout wraps err so that it matches ErrTimeout.
func Timeout(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
}

// Recoverable reports whether the caller may retry after err. Only
// configuration errors end the session.
func Recoverable(err error) bool {
	return err != nil && !stderrors.Is(err, ErrConfiguration)
}

// Kind returns a stable label for err suitable for metrics and notifications.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ErrBusy):
		return "busy"
	case stderrors.Is(err, ErrTimeout):
		return "timeout"
	case stderrors.Is(err, ErrConfiguration):
		return "configuration"
	case stderrors.Is(err, ErrValidation):
		return "validation"
	case stderrors.Is(err, ErrParse):
		return "parse"
	case stderrors.Is(err, ErrPrecondition):
		return "precondition"
	case stderrors.Is(err, ErrDeployment):
		return "deployment"
	case stderrors.Is(err, ErrOperation):
		return "operation"
	default:
		return "unknown"
	}
}
