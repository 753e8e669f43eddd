package engine

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Code classifies engine failures so callers can react to the kind without
// parsing messages. The underlying engine message is always preserved.
type Code uint32

const (
	CodeNotOK Code = iota + 1
	CodeDBOpen
	CodeDBBackup
	CodeDBGetWAL
	CodeSpaceLimit
)

func (c Code) String() string {
	switch c {
	case CodeNotOK:
		return "NotOK"
	case CodeDBOpen:
		return "DBOpenErr"
	case CodeDBBackup:
		return "DBBackupErr"
	case CodeDBGetWAL:
		return "DBGetWALErr"
	case CodeSpaceLimit:
		return "SpaceLimit"
	default:
		return "Unknown"
	}
}

// Error wraps a code and the verbatim engine message
type Error struct {
	Code Code
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError creates a new engine Error with the given code and message
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// wrapError attaches a code to an underlying engine error, keeping the
// original text
func wrapError(code Code, err error) *Error {
	return &Error{Code: code, Msg: err.Error()}
}

// IsSpaceLimit reports whether err is a size-limit rejection, which callers
// may handle by degrading to read-only instead of surfacing a hard failure
func IsSpaceLimit(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeSpaceLimit
}

// ErrNotFound is returned by point reads when the key is absent
var ErrNotFound = errors.New("not found")
