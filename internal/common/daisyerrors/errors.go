// Package daisyerrors contains the error types returned by code handling
// crash-report submissions. HTTP handlers look for the types defined here and
// set the response status accordingly: validation errors map to 4xx and are
// never retried by clients, everything else maps to 5xx so the load balancer
// retries.
//
// If multiple independent errors occur in some function, it should return an
// error of type multierror.Error from github.com/hashicorp/go-multierror that
// encapsulates the individual errors.
package daisyerrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrInvalidReport is returned when a submitted crash report fails
// validation: malformed body, missing required fields, unsupported problem
// type, end-of-life release, obsolete architecture.
type ErrInvalidReport struct {
	Reason string
}

func (err *ErrInvalidReport) Error() string {
	return err.Reason
}

// ErrDuplicateReport is returned when a system re-submits a crash it has
// already reported (same Date, ExecutablePath and ProcStatus).
type ErrDuplicateReport struct {
	SystemToken string
}

func (err *ErrDuplicateReport) Error() string {
	return "this crash has already been reported by this system"
}

// ErrBlockedSystem is returned for submissions from a blocklisted system
// token, regardless of payload.
type ErrBlockedSystem struct {
	SystemToken string
}

func (err *ErrBlockedSystem) Error() string {
	return "this system is not permitted to submit crash reports"
}

// ErrNotFound is returned when a referenced entity (e.g. the OOPS row a core
// dump is being submitted for) does not exist, or is not yet visible.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", err.Type, err.Value)
}

// ErrUnavailable wraps infrastructure failures (store timeout, queue down,
// blob store down). Handlers surface these as 503 so that clients retry.
type ErrUnavailable struct {
	Message string
}

func (err *ErrUnavailable) Error() string {
	return err.Message
}

// CodeFromError maps an error to the HTTP status code handlers should return.
func CodeFromError(err error) int {
	var invalid *ErrInvalidReport
	var duplicate *ErrDuplicateReport
	var blocked *ErrBlockedSystem
	var notFound *ErrNotFound
	var unavailable *ErrUnavailable
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &duplicate):
		return http.StatusConflict
	case errors.As(err, &blocked):
		return http.StatusUnauthorized
	case errors.As(err, &notFound):
		return http.StatusBadRequest
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
