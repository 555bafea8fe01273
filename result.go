package cohort

import (
	"fmt"
	"log/slog"
)

// Code is the outcome of a `Substrate` call.
type Code int

const (
	CodeSuccess Code = iota
	CodeComm
	CodeCount
	CodeType
	CodeBuffer
	CodeRoot
	CodeRank
	CodeTag
	CodeTruncate
	CodeTransport
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeComm:
		return "Invalid communicator"
	case CodeCount:
		return "Invalid count argument"
	case CodeType:
		return "Invalid datatype argument"
	case CodeBuffer:
		return "Invalid buffer pointer"
	case CodeRoot:
		return "Invalid root"
	case CodeRank:
		return "Invalid rank"
	case CodeTag:
		return "Invalid tag"
	case CodeTruncate:
		return "Message truncated"
	case CodeTransport:
		return "Transport failure"
	default:
		return "Unknown error"
	}
}

// Err returns the sentinel matching the code, nil on success.
func (c Code) Err() error {
	switch c {
	case CodeSuccess:
		return nil
	case CodeComm:
		return ErrComm
	case CodeCount:
		return ErrCount
	case CodeType:
		return ErrType
	case CodeBuffer:
		return ErrBuffer
	case CodeRoot:
		return ErrRoot
	case CodeRank:
		return ErrRank
	case CodeTag:
		return ErrTag
	case CodeTruncate:
		return ErrTruncate
	case CodeTransport:
		return ErrTransport
	default:
		return ErrUnknown
	}
}

// Succeeded reports whether the code denotes success.
func Succeeded(code Code) bool {
	return code == CodeSuccess
}

// CallError is returned by every collective and point-to-point operation
// whose substrate call did not succeed.
type CallError struct {
	Op   string
	Code Code
}

func (e *CallError) Error() string {
	return fmt.Sprintf("group: %s: %s", e.Op, e.Code)
}

func (e *CallError) Unwrap() error {
	return e.Code.Err()
}

// check emits the advisory diagnostic line for a failed call and turns the
// code into an error. It never aborts.
func check(logger *slog.Logger, op string, code Code) error {
	if Succeeded(code) {
		return nil
	}
	logger.Warn(code.String(), LabelOp.L(op), LabelCode.L(int(code)))
	return &CallError{Op: op, Code: code}
}
