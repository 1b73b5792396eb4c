package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies how an error ends a run.
type Kind int

const (
	KindFatal Kind = iota
	KindCancelled
	KindMemoryLimit
	KindRecoverable
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrCancelled      = errors.New("task cancelled")
	ErrMemoryLimit    = errors.New("task memory limit exceeded")
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindMemoryLimit:
		return "memory_limit"
	case KindRecoverable:
		return "recoverable"
	default:
		return "fatal"
	}
}

// Error is a recoverable failure raised by a step. A run that hits one is
// recorded as an EXCEPTION stop instead of crashing the process.
type Error struct {
	Code    int
	Message string
	Details map[string]any
	Err     error
}

func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap turns err into a recoverable error carrying code.
func Wrap(code int, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dump returns the structured diagnostic recorded in stop_reason.
func (e *Error) Dump() map[string]any {
	dump := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		dump[k] = v
	}
	dump["code"] = e.Code
	dump["message"] = e.Message

	return dump
}

func KindOf(err error) Kind {
	var te *Error
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrMemoryLimit):
		return KindMemoryLimit
	case errors.As(err, &te):
		return KindRecoverable
	default:
		return KindFatal
	}
}

// StopReason renders a recoverable error for the stop_reason field.
// Unicode and slashes are written literally.
func StopReason(err error) string {
	var te *Error
	if !errors.As(err, &te) {
		return "EXCEPTION: " + err.Error()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if encErr := enc.Encode(te.Dump()); encErr != nil {
		return "EXCEPTION: " + te.Error()
	}

	return "EXCEPTION: " + strings.TrimRight(buf.String(), "\n")
}
