// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import "fmt"

// A Code describes the disposition of a bus call. Codes up to and including
// maxWireCode may appear in reply frames; the remaining codes are reported
// only by the local endpoint and are never sent on the wire.
type Code uint16

const (
	CodeOK              Code = 0 // Call completed successfully
	CodeMethodNotFound  Code = 1 // No provider is registered for the method
	CodeDuplicateMethod Code = 2 // The method name is already registered
	CodeHandlerError    Code = 3 // The handler reported a failure
	CodeConnectionLost  Code = 4 // The provider connection was lost mid-call
	CodeRateLimited     Code = 5 // The provider refused the call due to rate limiting
	CodeCorruptFrame    Code = 6 // A frame or payload could not be decoded

	maxWireCode = CodeCorruptFrame

	// Local codes, never sent on the wire.
	CodeConnectError     Code = 100 // Dialing the server failed
	CodeConnectionClosed Code = 101 // The local connection is not open
	CodeUnsupportedValue Code = 102 // A container value is outside the scalar set
	CodeTimeout          Code = 103 // The caller gave up waiting for the reply
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeMethodNotFound:
		return "METHOD_NOT_FOUND"
	case CodeDuplicateMethod:
		return "DUPLICATE_METHOD"
	case CodeHandlerError:
		return "HANDLER_ERROR"
	case CodeConnectionLost:
		return "CONNECTION_LOST"
	case CodeRateLimited:
		return "RATE_LIMITED"
	case CodeCorruptFrame:
		return "CORRUPT_FRAME"
	case CodeConnectError:
		return "CONNECT_ERROR"
	case CodeConnectionClosed:
		return "CONNECTION_CLOSED"
	case CodeUnsupportedValue:
		return "UNSUPPORTED_VALUE"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("status code %d", uint16(c))
	}
}

// An Error is an error value carrying a bus status code. Method handlers may
// return an *Error to control the code reported to the caller; any other
// error is reported as CodeHandlerError with the text of the error as its
// message.
type Error struct {
	Code    Code
	Message string
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf constructs an *Error with the given code and a message formatted in
// the manner of fmt.Sprintf.
func Errorf(code Code, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// A Status reports the outcome of a call. The zero Status means success.
// A Status is a value; the caller must check OK before consuming the Out
// container filled by the call.
type Status struct {
	code    Code
	message string
}

// OK reports whether the call completed successfully.
func (s Status) OK() bool { return s.code == CodeOK }

// Code reports the status code of the call.
func (s Status) Code() Code { return s.code }

// Message reports the human-readable detail of a failed call, or "".
func (s Status) Message() string { return s.message }

func (s Status) String() string {
	if s.OK() {
		return "OK"
	} else if s.message == "" {
		return s.code.String()
	}
	return fmt.Sprintf("%s: %s", s.code, s.message)
}

// statusOf constructs a Status with the given code and message.
func statusOf(code Code, message string) Status {
	return Status{code: code, message: message}
}

// errStatus converts an error from the call plumbing into a Status.
// Errors of concrete type *Error keep their code; anything else is reported
// as a closed connection, since that is the only other way a send can fail.
func errStatus(err error) Status {
	if err == nil {
		return Status{}
	}
	if e, ok := err.(*Error); ok {
		return statusOf(e.Code, e.Message)
	}
	return statusOf(CodeConnectionClosed, err.Error())
}
