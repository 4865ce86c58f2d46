package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/nlpctl/internal/properties"
	"github.com/danmuck/nlpctl/internal/supervisor"
)

var (
	ErrInvalidConfig    = errors.New("client: invalid config")
	ErrClientClosed     = errors.New("client: closed")
	ErrPatternRequired  = errors.New("client: pattern required")
	ErrAnnotation       = errors.New("client: annotation failed")
	ErrResponseDecode   = errors.New("client: response decode failed")
	ErrResponseTooLarge = errors.New("client: response too large")

	ErrUnknownPropertiesKey = properties.ErrUnknownPropertiesKey
	ErrServerStartupTimeout = supervisor.ErrServerStartupTimeout
	ErrServerUnavailable    = supervisor.ErrServerUnavailable
)

// AnnotationError is a failure the server reported for a request it received.
type AnnotationError struct {
	Status  int
	Message string
}

func (e *AnnotationError) Error() string {
	return fmt.Sprintf("client: annotation failed: status %d: %s", e.Status, e.Message)
}

func (e *AnnotationError) Unwrap() error {
	return ErrAnnotation
}
