// Package cerrors defines the structured error taxonomy shared by the
// index store, the jobs engine and the REST layer. Every failure that can
// cross a package boundary carries an ErrorCode so callers can map it to
// an HTTP status without string matching.
package cerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure category.
type ErrorCode int

const (
	// CodeSuccess is the zero value and never carried by an Error.
	CodeSuccess ErrorCode = iota
	CodeInternalError
	CodeBadRequest
	CodeBadFileFormat
	CodeBadSequenceOfCalls
	CodeCanceledJob
	CodeDatabasePlugin
	CodeIncompatibleDatabaseVersion
	CodeIncompatibleImageFormat
	CodeIncompatibleImageSize
	CodeInexistentFile
	CodeNetworkProtocol
	CodeNotEnoughMemory
	CodeNotImplemented
	CodeNullPointer
	CodeParameterOutOfRange
	CodeUnauthorized
	CodeUnknownResource
)

var codeNames = map[ErrorCode]string{
	CodeSuccess:                     "Success",
	CodeInternalError:               "InternalError",
	CodeBadRequest:                  "BadRequest",
	CodeBadFileFormat:               "BadFileFormat",
	CodeBadSequenceOfCalls:          "BadSequenceOfCalls",
	CodeCanceledJob:                 "CanceledJob",
	CodeDatabasePlugin:              "DatabasePlugin",
	CodeIncompatibleDatabaseVersion: "IncompatibleDatabaseVersion",
	CodeIncompatibleImageFormat:     "IncompatibleImageFormat",
	CodeIncompatibleImageSize:       "IncompatibleImageSize",
	CodeInexistentFile:              "InexistentFile",
	CodeNetworkProtocol:             "NetworkProtocol",
	CodeNotEnoughMemory:             "NotEnoughMemory",
	CodeNotImplemented:              "NotImplemented",
	CodeNullPointer:                 "NullPointer",
	CodeParameterOutOfRange:         "ParameterOutOfRange",
	CodeUnauthorized:                "Unauthorized",
	CodeUnknownResource:             "UnknownResource",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// HTTPStatus maps the code to the status the REST layer answers with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeBadRequest, CodeBadFileFormat, CodeBadSequenceOfCalls,
		CodeParameterOutOfRange, CodeIncompatibleImageFormat,
		CodeIncompatibleImageSize:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUnknownResource, CodeInexistentFile:
		return http.StatusNotFound
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure tagged with an ErrorCode and an optional detail
// string. The wrapped cause, if any, is reachable through errors.Unwrap.
type Error struct {
	Code    ErrorCode
	Details string
	cause   error
}

// New builds an Error with the given code and details.
func New(code ErrorCode, details string) *Error {
	return &Error{Code: code, Details: details}
}

// Newf builds an Error with a formatted detail string.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Details: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Details: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Details
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the ErrorCode carried by err, walking the wrap chain.
// Plain errors map to InternalError; nil maps to Success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternalError
}
