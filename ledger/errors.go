package ledger

import "fmt"

// Rejection codes surfaced to callers. They travel over RPC unchanged so the
// reconciliation side can tell deterministic rejections apart from transport
// noise.
const (
	CodeNotOwner        uint16 = 401
	CodeOverflow        uint16 = 402
	CodeTooSoon         uint16 = 403
	CodeInvalidOp       uint16 = 404
	CodeDuplicateOp     uint16 = 405
	CodeInvalidArgument uint16 = 406
)

// Error is a deterministic rejection from the state machine. Identical input
// always produces the identical code, so retrying without changing the
// operation is never useful.
type Error struct {
	Code    uint16
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: %s (code %d)", e.Message, e.Code)
}

var (
	ErrNotOwner        = &Error{Code: CodeNotOwner, Message: "sender is not the ledger owner"}
	ErrOverflow        = &Error{Code: CodeOverflow, Message: "balance addition overflows"}
	ErrTooSoon         = &Error{Code: CodeTooSoon, Message: "cooldown window still open"}
	ErrInvalidOp       = &Error{Code: CodeInvalidOp, Message: "unknown or malformed operation"}
	ErrDuplicateOp     = &Error{Code: CodeDuplicateOp, Message: "operation id already applied"}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "argument must be non-negative"}
)

// ErrorForCode maps a wire code back to its canonical error so errors.Is
// works on both sides of the RPC boundary. Unknown codes produce a fresh
// Error value carrying the code.
func ErrorForCode(code uint16, message string) *Error {
	switch code {
	case CodeNotOwner:
		return ErrNotOwner
	case CodeOverflow:
		return ErrOverflow
	case CodeTooSoon:
		return ErrTooSoon
	case CodeInvalidOp:
		return ErrInvalidOp
	case CodeDuplicateOp:
		return ErrDuplicateOp
	case CodeInvalidArgument:
		return ErrInvalidArgument
	default:
		if message == "" {
			message = "unrecognized rejection"
		}
		return &Error{Code: code, Message: message}
	}
}
