// Package xerrors provides unified error handling with a closed code set
// shared by the upload, reconcile, and telemetry layers.
package xerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Code classifies a failure. The set is closed: every error surfaced to a
// Lecture or a telemetry event carries exactly one of these.
type Code string

const (
	CodeUnknown           Code = "unknown"
	CodePermissionDenied  Code = "permission_denied"
	CodeCaptureFailed     Code = "capture_failed"
	CodePreparation       Code = "preparation"
	CodeFileTooLarge      Code = "file_too_large"
	CodeUnsupportedFormat Code = "unsupported_format"
	CodeNetwork           Code = "network"
	CodeTimeout           Code = "timeout"
	CodeServer            Code = "server"
	CodeClient            Code = "client"
	CodeAuth              Code = "auth"
	CodeQuota             Code = "quota"
	CodeInvalidMedia      Code = "invalid_media"
	CodeNoSource          Code = "no_recoverable_source"
	CodeCanceled          Code = "canceled"
)

// Retryable reports whether a code is worth retrying. Pure function of the
// code: transient transport failures retry, everything else fails fast,
// including unknown.
func Retryable(code Code) bool {
	switch code {
	case CodeNetwork, CodeTimeout, CodeServer:
		return true
	default:
		return false
	}
}

// AppError is the base error type with a structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the code from an error chain, CodeUnknown if none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error's code is retryable. Errors with no
// AppError in the chain are first run through Classify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return Retryable(appErr.Code)
	}
	return Retryable(Classify(err))
}

// Classify maps a transport-level error into the closed code set. Used at
// the remote-store boundary so retry decisions stay a pure function of Code.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNetwork
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// FromStatus maps an HTTP response status into the closed code set.
func FromStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return CodeQuota
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServer
	case status >= 400:
		return CodeClient
	default:
		return CodeUnknown
	}
}

// userMessages are the stable, user-presentable strings attached to a failed
// Lecture. Keyed by code so retries of the same failure read identically.
var userMessages = map[Code]string{
	CodeUnknown:           "Something went wrong. Please try again.",
	CodePermissionDenied:  "Microphone access is required to record.",
	CodeCaptureFailed:     "Recording could not be started.",
	CodePreparation:       "This file could not be prepared for upload.",
	CodeFileTooLarge:      "This recording is too large to upload.",
	CodeUnsupportedFormat: "This file type is not supported.",
	CodeNetwork:           "Upload failed. Check your connection and retry.",
	CodeTimeout:           "Upload timed out. Check your connection and retry.",
	CodeServer:            "The service is temporarily unavailable. Please retry.",
	CodeClient:            "Upload was rejected. Please try again.",
	CodeAuth:              "Your session has expired. Please sign in again.",
	CodeQuota:             "You have reached your plan's recording limit.",
	CodeInvalidMedia:      "This audio file could not be read.",
	CodeNoSource:          "The original recording is no longer on this device.",
	CodeCanceled:          "Upload was canceled.",
}

// UserMessage returns the stable user-facing message for an error's code.
func UserMessage(err error) string {
	if msg, ok := userMessages[Classify(err)]; ok {
		return msg
	}
	return userMessages[CodeUnknown]
}
