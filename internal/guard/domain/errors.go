package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidURL is returned for inputs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid url")
	// ErrStorage wraps durable store failures. Writes failing with it may be retried.
	ErrStorage = errors.New("storage error")
	// ErrDecisionRequired is returned when an action needs an explicit user choice before opening.
	ErrDecisionRequired = errors.New("explicit decision required")
)

// ErrorKind classifies why a classification did not produce a verdict.
type ErrorKind uint8

const (
	ErrorUnknown ErrorKind = iota
	ErrorNetwork
	ErrorTimeout
	ErrorCancelled
	ErrorServer
)

// String returns a stable string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	case ErrorCancelled:
		return "cancelled"
	case ErrorServer:
		return "server"
	default:
		return "unknown"
	}
}

// ClassificationError is the error type returned by classifier gateways.
type ClassificationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("classification %s: %s", e.Kind, e.Message)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// NewClassificationError builds a ClassificationError.
func NewClassificationError(kind ErrorKind, msg string, err error) *ClassificationError {
	return &ClassificationError{Kind: kind, Message: msg, Err: err}
}

// KindOf maps any error returned from a classification attempt onto an ErrorKind.
// Context errors take precedence over whatever wrapped them.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorTimeout
		}
		return ErrorNetwork
	}
	return ErrorUnknown
}
