package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an idempotency key is reused with a different payload.
	ErrConflict = errors.New("idempotency key reused with a different payload")
	// ErrRegression is returned when a checkpoint would move backwards.
	ErrRegression = errors.New("checkpoint regression")
	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrIntegrity is returned when a stored payload no longer matches its hash.
	ErrIntegrity = errors.New("payload hash mismatch")
	// ErrStreamClassMismatch is returned when a stream is ensured with a different class.
	ErrStreamClassMismatch = errors.New("stream class mismatch")
	// ErrScopeMismatch is returned when a caller's owner scope differs from the stream's.
	ErrScopeMismatch = errors.New("owner scope mismatch")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutboxNotFound is returned when an outbox entry does not exist.
	ErrOutboxNotFound = errors.New("outbox entry not found")
	// ErrLeaseLost is returned when a worker resolves an entry it no longer holds.
	ErrLeaseLost = errors.New("outbox lease not held")
	// ErrAssignmentNotFound is returned when a compute assignment does not exist.
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrProviderNotFound is returned when a provider does not exist.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrInvalidTransition is returned for an illegal assignment status change.
	ErrInvalidTransition = errors.New("invalid assignment transition")
)

// ConflictError describes an idempotency collision.
type ConflictError struct {
	StreamID       string
	IdempotencyKey string
	ExistingSeq    int64
	ExistingHash   string
	ProposedHash   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stream %s: idempotency key %q already committed at seq %d with hash %s, got %s",
		e.StreamID, e.IdempotencyKey, e.ExistingSeq, e.ExistingHash, e.ProposedHash)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RegressionError describes a rejected checkpoint write.
type RegressionError struct {
	ClientID string
	StreamID string
	Stored   int64
	Proposed int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("checkpoint %s/%s: seq %d is behind stored seq %d",
		e.ClientID, e.StreamID, e.Proposed, e.Stored)
}

// Is matches ErrRegression.
func (e *RegressionError) Is(target error) bool {
	return target == ErrRegression
}

// IntegrityError identifies the event whose payload failed verification.
type IntegrityError struct {
	StreamID string
	Seq      int64
	Stored   string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stream %s seq %d: stored hash %s, computed %s", e.StreamID, e.Seq, e.Stored, e.Computed)
}

// Is matches ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// TransitionError describes an illegal assignment status change.
type TransitionError struct {
	AssignmentID string
	From         string
	To           string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("assignment %s: cannot move from %s to %s", e.AssignmentID, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
