package pipeline

import (
	"errors"
	"fmt"
)

const (
	ReasonInvalidEncoding = "invalid encoding"
	ReasonUnreadableImage = "unreadable image"
)

// ErrBusy is returned when no detector capacity frees up in time. Callers
// should answer with a "try later" response.
var ErrBusy = errors.New("detector busy")

// DecodeError reports a malformed transport payload or an image that cannot
// be decoded. It is a client-side failure and is never retried.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// DetectionError reports that the detection capability failed to execute for
// one request.
type DetectionError struct {
	Message string
	Cause   error
}

func (e *DetectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DetectionError) Unwrap() error { return e.Cause }

// StartupError is fatal: the process must not start serving.
type StartupError struct {
	Op    string
	Cause error
}

func (e *StartupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("startup: %s: %v", e.Op, e.Cause)
	}
	return "startup: " + e.Op
}

func (e *StartupError) Unwrap() error { return e.Cause }

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func IsDetectionError(err error) bool {
	var de *DetectionError
	return errors.As(err, &de)
}
