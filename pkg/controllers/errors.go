package controllers

import (
	"errors"
	"fmt"

	"github.com/killallgit/thrive/pkg/api"
)

var (
	ErrBusy           = errors.New("a turn is already in progress")
	ErrEmptyMessage   = errors.New("message content cannot be empty")
	ErrNoConversation = errors.New("no conversation to resume")
)

// FailureKind classifies why a turn failed
type FailureKind int

const (
	NetworkFailure FailureKind = iota + 1
	DecodeFailure
	ServerRejected
)

func (k FailureKind) String() string {
	switch k {
	case NetworkFailure:
		return "network"
	case DecodeFailure:
		return "decode"
	case ServerRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TurnError is the failure reported when a turn cannot complete
type TurnError struct {
	Kind FailureKind
	// Code is the HTTP status for ServerRejected
	Code int
	Err  error
}

func (e *TurnError) Error() string {
	if e.Kind == ServerRejected {
		return fmt.Sprintf("server rejected the turn (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("turn failed (%s): %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// classifyTransportError maps an open or read failure to a TurnError
func classifyTransportError(err error) *TurnError {
	var te *api.TransportError
	if errors.As(err, &te) && te.Rejected() {
		return &TurnError{Kind: ServerRejected, Code: te.StatusCode, Err: err}
	}
	return &TurnError{Kind: NetworkFailure, Err: err}
}
