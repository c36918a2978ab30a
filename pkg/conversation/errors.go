package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTransaction      = errors.New("transaction failed")
	ErrProvider         = errors.New("provider error")
	ErrValidation       = errors.New("validation error")
	ErrPendingContent   = errors.New("pending content cannot be persisted")
	ErrGenerationActive = errors.New("conversation already has an active generation")
	ErrCorruptTree      = errors.New("conversation tree invariant violated")
)

// NotFoundError reports a missing conversation or message.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewConversationNotFound(convID string) *NotFoundError {
	return &NotFoundError{Resource: "conversation", ID: convID}
}

func NewMessageNotFound(msgID int64) *NotFoundError {
	return &NotFoundError{Resource: "message", ID: fmt.Sprintf("%d", msgID)}
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransactionError reports a failed atomic write. The transaction had no effect.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	if e == nil {
		return ErrTransaction.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", ErrTransaction, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrTransaction, e.Op, e.Err)
}

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

func (e *TransactionError) Unwrap() error { return e.Err }

// ProviderError reports a stream that yielded an error chunk or a transport failure.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ErrProvider.Error()
	}
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", ErrProvider, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrProvider, e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError reports invalid input to a store operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsDomainError reports whether err is one of the typed errors that should
// pass through transaction wrapping untouched.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPendingContent) ||
		errors.Is(err, ErrCorruptTree) ||
		errors.Is(err, ErrTransaction)
}
