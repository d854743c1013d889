package model

import (
	"encoding/json"
	"time"
)

// ProviderCapability describes what a compute provider can run.
type ProviderCapability struct {
	ProviderID   string          `json:"provider_id"`
	Region       string          `json:"region"`
	Capabilities json.RawMessage `json:"capabilities"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AssignmentStatus is the lifecycle state of a compute assignment.
type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentAssigned AssignmentStatus = "assigned"
	AssignmentSettled  AssignmentStatus = "settled"
	AssignmentFailed   AssignmentStatus = "failed"
)

var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentPending:  {AssignmentAssigned, AssignmentFailed},
	AssignmentAssigned: {AssignmentSettled, AssignmentFailed},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s AssignmentStatus) CanTransition(next AssignmentStatus) bool {
	for _, allowed := range assignmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentAssigned, AssignmentSettled, AssignmentFailed:
		return true
	}
	return false
}

// ComputeAssignment matches a unit of work on a stream to a provider.
type ComputeAssignment struct {
	AssignmentID string           `json:"assignment_id"`
	ProviderID   string           `json:"provider_id"`
	StreamID     string           `json:"stream_id"`
	Status       AssignmentStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// CreateAssignmentRequest is the HTTP body for creating an assignment.
type CreateAssignmentRequest struct {
	ProviderID string `json:"provider_id"`
	StreamID   string `json:"stream_id"`
}

// TransitionAssignmentRequest is the HTTP body for moving an assignment.
type TransitionAssignmentRequest struct {
	Status AssignmentStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}
