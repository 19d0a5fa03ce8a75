package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ID represents a unique identifier
type ID string

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	return ID(uuid.NewString())
}

// ResultCode is a numeric status where zero means success. Non-zero codes
// pack a module number in the low 9 bits and a description above it.
type ResultCode uint32

// ResultOK is the success code
const ResultOK ResultCode = 0

// MakeResultCode packs a module and description into a ResultCode
func MakeResultCode(module, description uint32) ResultCode {
	return ResultCode((module & 0x1ff) | (description << 9))
}

// IsOk returns true for the success code
func (r ResultCode) IsOk() bool {
	return r == ResultOK
}

// Module returns the module part of the code
func (r ResultCode) Module() uint32 {
	return uint32(r) & 0x1ff
}

// Description returns the description part of the code
func (r ResultCode) Description() uint32 {
	return uint32(r) >> 9
}

// String returns the code in hex, e.g. "0x205"
func (r ResultCode) String() string {
	return fmt.Sprintf("0x%x", uint32(r))
}

// Error lets a bare ResultCode travel as an error value
func (r ResultCode) Error() string {
	if name, ok := codeNames[r]; ok {
		return "result " + r.String() + " (" + name + ")"
	}
	return fmt.Sprintf("result %s (module %d, description %d)", r.String(), r.Module(), r.Description())
}

// ResultCode implements the coded interface
func (r ResultCode) ResultCode() ResultCode {
	return r
}

// coded is implemented by every error that carries a ResultCode
type coded interface {
	error
	ResultCode() ResultCode
}

// Error represents an error with a result code and additional context
type Error struct {
	Code    ResultCode
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code.String() + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// ResultCode returns the code carried by the error
func (e *Error) ResultCode() ResultCode {
	return e.Code
}

// NewError creates a new error with code and message
func NewError(code ResultCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code ResultCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf normalizes an error to the ResultCode it carries. A nil error is
// ResultOK, and so is a returned ResultOK. An error without an embedded
// code maps to ErrCodeInternal.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var c coded
	if errors.As(err, &c) {
		return c.ResultCode()
	}
	return ErrCodeInternal
}

// IsErrCode checks if an error carries a specific result code
func IsErrCode(err error, code ResultCode) bool {
	return err != nil && CodeOf(err) == code
}

// Raise aborts the current computation with a coded error. It is only
// meant for code running under a boundary that recovers it, such as an
// IPC dispatch; everywhere else return the error instead.
func Raise(err error) {
	var c coded
	if !errors.As(err, &c) {
		err = WrapError(ErrCodeInternal, "raised", err)
	}
	panic(err)
}

// Recovered converts a recovered panic value into a coded error. It
// reports false for values that do not carry a result code.
func Recovered(v any) (error, bool) {
	err, ok := v.(error)
	if !ok {
		return nil, false
	}
	var c coded
	if !errors.As(err, &c) {
		return nil, false
	}
	return err, true
}

// Modules used to build result codes
const (
	ModuleKernel    = 1
	ModuleSM        = 21
	ModuleIPCServer = 347
)

// Common result codes
var (
	ErrCodeInvalidHandle   = MakeResultCode(ModuleKernel, 114)
	ErrCodeSessionClosed   = MakeResultCode(ModuleKernel, 123)
	ErrCodeOutOfResources  = MakeResultCode(ModuleKernel, 103)
	ErrCodeNotReady        = MakeResultCode(ModuleKernel, 117)
	ErrCodeInvalidArgument = MakeResultCode(ModuleIPCServer, 1)
	ErrCodeOutOfPorts      = MakeResultCode(ModuleIPCServer, 2)
	ErrCodeOutOfSessions   = MakeResultCode(ModuleIPCServer, 3)
	ErrCodeUnknownRequest  = MakeResultCode(ModuleIPCServer, 4)
	ErrCodeInvalidFormat   = MakeResultCode(ModuleIPCServer, 5)
	ErrCodeServerClosed    = MakeResultCode(ModuleIPCServer, 6)
	ErrCodeInternal        = MakeResultCode(ModuleIPCServer, 7)

	ErrCodeSMOutOfSessions     = MakeResultCode(ModuleSM, 4)
	ErrCodeSMAlreadyRegistered = MakeResultCode(ModuleSM, 5)
	ErrCodeSMInvalidName       = MakeResultCode(ModuleSM, 6)
	ErrCodeSMNotRegistered     = MakeResultCode(ModuleSM, 7)
)

var codeNames = map[ResultCode]string{
	ErrCodeInvalidHandle:       "invalid handle",
	ErrCodeSessionClosed:       "session closed",
	ErrCodeOutOfResources:      "out of resources",
	ErrCodeNotReady:            "not ready",
	ErrCodeInvalidArgument:     "invalid argument",
	ErrCodeOutOfPorts:          "out of ports",
	ErrCodeOutOfSessions:       "out of sessions",
	ErrCodeUnknownRequest:      "unknown request",
	ErrCodeInvalidFormat:       "invalid format",
	ErrCodeServerClosed:        "server closed",
	ErrCodeInternal:            "internal",
	ErrCodeSMOutOfSessions:     "sm: out of sessions",
	ErrCodeSMAlreadyRegistered: "sm: already registered",
	ErrCodeSMInvalidName:       "sm: invalid name",
	ErrCodeSMNotRegistered:     "sm: not registered",
}
