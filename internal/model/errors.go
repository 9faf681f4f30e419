package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks connection and timeout failures of a data source.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedRecord marks a record missing or mistyping an expected field.
	ErrMalformedRecord = errors.New("malformed record")
)

// SourceError wraps a data source failure with the operation that failed.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

// Unavailable wraps err as a SourceUnavailable failure.
func Unavailable(source, op string, err error) *SourceError {
	return &SourceError{Source: source, Op: op, Err: err}
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// MalformedError describes a field that failed to decode.
type MalformedError struct {
	Field string
	Value any
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Field, e.Value)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedRecord }
