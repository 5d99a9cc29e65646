package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy shared by the router, pipelines and store
type ErrorKind string

const (
	KindRoutingAmbiguous ErrorKind = "routing_ambiguous"
	KindRoutingFallback  ErrorKind = "routing_fallback"
	KindCollaborator     ErrorKind = "collaborator"
	KindPersistence      ErrorKind = "persistence"
	KindTimeout          ErrorKind = "timeout"
	KindMissingParameter ErrorKind = "missing_parameter"
	KindNotFound         ErrorKind = "not_found"
	KindCancelled        ErrorKind = "cancelled"
)

// CollaboratorKind refines KindCollaborator
type CollaboratorKind string

const (
	CollabNetwork      CollaboratorKind = "network"
	CollabAuth         CollaboratorKind = "auth"
	CollabRateLimit    CollaboratorKind = "rate_limit"
	CollabInvalidInput CollaboratorKind = "invalid_input"
	CollabUnavailable  CollaboratorKind = "unavailable"
)

// PipelineError is the structured error every request failure surfaces as
type PipelineError struct {
	Kind         ErrorKind        `json:"kind"`
	Subtype      CollaboratorKind `json:"subtype,omitempty"`
	Collaborator string           `json:"collaborator,omitempty"`
	Pipeline     PipelineID       `json:"pipeline,omitempty"`
	Message      string           `json:"message"`
	Err          error            `json:"-"`
}

func (e *PipelineError) Error() string {
	var prefix string
	switch {
	case e.Collaborator != "" && e.Subtype != "":
		prefix = fmt.Sprintf("%s (%s/%s)", e.Kind, e.Collaborator, e.Subtype)
	case e.Collaborator != "":
		prefix = fmt.Sprintf("%s (%s)", e.Kind, e.Collaborator)
	default:
		prefix = string(e.Kind)
	}
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// CollaboratorError builds a KindCollaborator error
func CollaboratorError(collaborator string, subtype CollaboratorKind, err error) *PipelineError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &PipelineError{
		Kind:         KindCollaborator,
		Subtype:      subtype,
		Collaborator: collaborator,
		Message:      msg,
		Err:          err,
	}
}

// MissingParameter builds a KindMissingParameter error
func MissingParameter(pipeline PipelineID, param string) *PipelineError {
	return &PipelineError{
		Kind:     KindMissingParameter,
		Pipeline: pipeline,
		Message:  fmt.Sprintf("%s requires parameter %q", pipeline, param),
	}
}

// PersistenceError wraps a store failure
func PersistenceError(err error) *PipelineError {
	return &PipelineError{Kind: KindPersistence, Message: err.Error(), Err: err}
}

// AsPipelineError classifies any error into the taxonomy. Context errors map
// to timeout and cancelled; unknown errors are attributed to collaborator.
// A wrapped PipelineError is returned as a copy, so callers may set fields
// on the result even when the error is shared between requests.
func AsPipelineError(err error, collaborator string) *PipelineError {
	if err == nil {
		return nil
	}
	var found *PipelineError
	if errors.As(err, &found) {
		pe := *found
		if pe.Collaborator == "" && collaborator != "" && pe.Kind == KindCollaborator {
			pe.Collaborator = collaborator
		}
		return &pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &PipelineError{Kind: KindTimeout, Collaborator: collaborator, Message: "deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &PipelineError{Kind: KindCancelled, Collaborator: collaborator, Message: "request cancelled", Err: err}
	}
	return CollaboratorError(collaborator, CollabNetwork, err)
}

// IsKind reports whether err is a PipelineError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Kind == kind
}
