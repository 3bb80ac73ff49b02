package core

// error_messages.go maps failures to short messages with reference codes.
//
// # Error Codes Reference
//
// # Flattening Errors (FLT001-FLT099)
//
//	FLT001 - Missing identifier field: a natural or composite id field is absent
//	         Action: Add the field to the input or choose another id strategy
//	FLT002 - Type mismatch: a value has an unexpected shape
//	         Action: Check the input for values of an unsupported type
//	FLT003 - Depth exceeded: the record is nested deeper than allowed
//	         Action: Raise FLATTEN_MAX_DEPTH or fix the recursive input
//
// # Source Errors (SRC001-SRC099)
//
//	SRC001 - Read failure: the source could not produce a record
//	         Action: Check the input file for truncated or corrupt lines
//	SRC002 - Invalid JSON: the input is not valid JSON
//	         Action: Validate the input with a JSON linter
//	         Patterns: "invalid character", "unexpected end of json input"
//
// # Sink Errors (SNK001-SNK099)
//
//	SNK001 - Sink rejected batch: the output refused a batch of rows
//	         Action: Check the sink logs; rows up to the last completed chunk were written
//	SNK002 - Unknown sink: the configured sink type is not registered
//	         Patterns: "unknown sink"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: a row with this id already exists
//	        Patterns: "duplicate key", "unique constraint", "sqlstate 23505"
//	DB002 - Connection refused: unable to connect to the database
//	        Patterns: "connection refused", "connection reset"
//	DB003 - Timeout: the database operation timed out
//	        Patterns: "timeout", "context deadline exceeded"
//	DB004 - Busy: the database is locked by another writer
//	        Patterns: "database is locked", "deadlock"
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Run cancelled
//	         Patterns: "context canceled"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: an unexpected error occurred
//	         Action: Check the logs for the original error
//
// Failures carrying a FailureKind map by kind first. A sink rejection whose
// cause matches a database pattern reports the database code instead of
// SNK001. Other errors are matched case-insensitively by substring; the first
// matching pattern wins.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage is a short description of an error with a suggested action.
type UserMessage struct {
	Message string // what happened
	Action  string // what to do about it
	Code    string // reference code
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var kindMessages = map[FailureKind]UserMessage{
	KindMissingField: {
		Message: "Identifier field is missing",
		Action:  "Add the field to the input or choose another id strategy",
		Code:    "FLT001",
	},
	KindTypeMismatch: {
		Message: "Value has an unexpected type",
		Action:  "Check the input for values of an unsupported type",
		Code:    "FLT002",
	},
	KindDepthExceeded: {
		Message: "Record is nested too deeply",
		Action:  "Raise FLATTEN_MAX_DEPTH or fix the recursive input",
		Code:    "FLT003",
	},
	KindReadFailure: {
		Message: "Record could not be read",
		Action:  "Check the input file for truncated or corrupt lines",
		Code:    "SRC001",
	},
	KindSinkRejected: {
		Message: "Output rejected a batch of rows",
		Action:  "Check the sink logs; rows up to the last completed chunk were written",
		Code:    "SNK001",
	},
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Errors (DB001-DB004)
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A row with this id already exists",
			Action:  "Use a hash id strategy or clear the target table before re-running",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "A row with this id already exists",
			Action:  "Use a hash id strategy or clear the target table before re-running",
			Code:    "DB001",
		},
	},
	{
		pattern: "sqlstate 23505",
		msg: UserMessage{
			Message: "A row with this id already exists",
			Action:  "Use a hash id strategy or clear the target table before re-running",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Check DATABASE_URL and that the server is running",
			Code:    "DB002",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Re-run; rows up to the last completed chunk were written",
			Code:    "DB002",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Database operation timed out",
			Action:  "Lower FLATTEN_CHUNK_SIZE or try again later",
			Code:    "DB003",
		},
	},
	{
		pattern: "database is locked",
		msg: UserMessage{
			Message: "Database is locked by another writer",
			Action:  "Lower RUN_MAX_PARALLEL or stop other writers",
			Code:    "DB004",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Lower RUN_MAX_PARALLEL and try again",
			Code:    "DB004",
		},
	},

	// =========================================================================
	// Source Errors (SRC002)
	// =========================================================================
	{
		pattern: "invalid character",
		msg: UserMessage{
			Message: "Input is not valid JSON",
			Action:  "Validate the input with a JSON linter",
			Code:    "SRC002",
		},
	},
	{
		pattern: "unexpected end of json input",
		msg: UserMessage{
			Message: "Input is not valid JSON",
			Action:  "Validate the input with a JSON linter",
			Code:    "SRC002",
		},
	},

	// =========================================================================
	// Sink and Run Errors
	// =========================================================================
	{
		pattern: "unknown sink",
		msg: UserMessage{
			Message: "Sink type is not registered",
			Action:  "Set SINK_TYPE to one of the registered sinks",
			Code:    "SNK002",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Lower FLATTEN_CHUNK_SIZE or try again later",
			Code:    "DB003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Run was cancelled",
			Action:  "Re-run when ready",
			Code:    "RUN001",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for the original error",
	Code:    "ERR000",
}

// MapError converts an error to a UserMessage. A nil error maps to the zero
// value.
//
//	msg := MapError(err)
//	// msg.Code == "FLT001" for a missing natural id field
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var f *Failure
	if errors.As(err, &f) {
		if f.Kind == KindSinkRejected && f.Err != nil {
			if msg, ok := matchPattern(f.Err); ok {
				return msg
			}
		}
		if msg, ok := kindMessages[f.Kind]; ok {
			return msg
		}
	}

	if msg, ok := matchPattern(err); ok {
		return msg
	}
	return defaultMessage
}

func matchPattern(err error) (UserMessage, bool) {
	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its mapped message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
