package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	// KindInput covers invalid requests: no images, bad numbers, unreadable
	// images, unknown music tracks.
	KindInput ErrorKind = "input"
	// KindEncode is a failed image-to-segment encode.
	KindEncode ErrorKind = "encode"
	// KindConcat is a failed manifest write or concatenation.
	KindConcat ErrorKind = "concat"
	// KindMux is a failed audio mux. The silent video is kept.
	KindMux ErrorKind = "mux"
	// KindUpload is a failed S3 publish. The local video is kept.
	KindUpload ErrorKind = "upload"
	// KindCleanup is a failed removal of temporary artifacts. It is logged,
	// never returned to callers.
	KindCleanup ErrorKind = "cleanup"
	// KindInterrupted is a job stopped by cancellation, shutdown or a
	// restart of the host.
	KindInterrupted ErrorKind = "interrupted"
	// KindInternal is a broken state transition inside the pipeline.
	KindInternal ErrorKind = "internal"
)

// Code returns the API error code for the kind, e.g. ENCODE_ERROR.
func (k ErrorKind) Code() string {
	switch k {
	case KindInput:
		return "INPUT_ERROR"
	case KindEncode:
		return "ENCODE_ERROR"
	case KindConcat:
		return "CONCAT_ERROR"
	case KindMux:
		return "MUX_ERROR"
	case KindUpload:
		return "UPLOAD_ERROR"
	case KindCleanup:
		return "CLEANUP_ERROR"
	case KindInterrupted:
		return "INTERRUPTED"
	default:
		return "INTERNAL_ERROR"
	}
}

// Error is the structured failure of a composition job.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) ErrorKind {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return ""
}
