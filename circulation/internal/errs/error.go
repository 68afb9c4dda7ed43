package errs

import (
	"errors"
	"fmt"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrForbidden            = errors.New("forbidden")
	ErrAlreadyReserved      = errors.New("already reserved")
	ErrLimitExceeded        = errors.New("reservation limit exceeded")
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")
	ErrNotLoaned            = errors.New("copy is not loaned")
	ErrUserName             = errors.New("username is required")
)

// TransitionError is a state machine violation.
type TransitionError struct {
	From   model.Status
	To     model.Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func NewTransitionError(from, to model.Status, reason string) error {
	return &TransitionError{From: from, To: to, Reason: reason}
}

// PolicyError carries the policy value that was violated.
type PolicyError struct {
	Err    error
	Policy string
	Limit  int
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s (%s=%d)", e.Err, e.Policy, e.Limit)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

type ValidationErrorResponse struct {
	Message string `json:"message"`
	Errors  struct {
		AdditionalProperties string `json:"additionalProperties"`
	} `json:"errors"`
}
