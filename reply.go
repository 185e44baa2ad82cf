package ftpengine

import (
	"errors"
	"strings"
)

// Reply is the result code of a command. It is a bit set: error-class codes
// carry the ReplyError bit, and deferred sub-errors are OR'd into the code
// returned by Engine.Command.
type Reply uint32

const (
	ReplyOK Reply = 0

	// ReplyWouldBlock means the command was accepted and completes later with
	// an OperationComplete notification.
	ReplyWouldBlock Reply = 0x0001

	ReplyError         Reply = 0x0002
	ReplyCriticalError Reply = 0x0004 | ReplyError
	ReplyCanceled      Reply = 0x0008 | ReplyError
	ReplySyntaxError   Reply = 0x0010 | ReplyError
	ReplyNotConnected  Reply = 0x0020 | ReplyError

	// ReplyDisconnected is informational; it is not an error on its own.
	ReplyDisconnected Reply = 0x0040

	ReplyInternalError    Reply = 0x0080 | ReplyError
	ReplyBusy             Reply = 0x0100 | ReplyError
	ReplyAlreadyConnected Reply = 0x0200 | ReplyError
	ReplyPasswordFailed   Reply = 0x0400 | ReplyCriticalError
	ReplyTimeout          Reply = 0x0800 | ReplyError
)

// Sentinel errors returned by Reply.Err.
var (
	ErrFailed           = errors.New("ftpengine: operation failed")
	ErrCritical         = errors.New("ftpengine: critical error")
	ErrCanceled         = errors.New("ftpengine: operation canceled")
	ErrSyntax           = errors.New("ftpengine: syntax error")
	ErrNotConnected     = errors.New("ftpengine: not connected")
	ErrDisconnected     = errors.New("ftpengine: disconnected")
	ErrInternal         = errors.New("ftpengine: internal error")
	ErrBusy             = errors.New("ftpengine: busy")
	ErrAlreadyConnected = errors.New("ftpengine: already connected")
	ErrPasswordFailed   = errors.New("ftpengine: login incorrect")
	ErrTimeout          = errors.New("ftpengine: timed out")
)

// Flags are checked most specific first so that composite codes like
// ReplyPasswordFailed list only their own name.
var replyFlags = []struct {
	bits Reply
	name string
	err  error
}{
	{ReplyPasswordFailed, "PasswordFailed", ErrPasswordFailed},
	{ReplyCriticalError, "CriticalError", ErrCritical},
	{ReplyCanceled, "Canceled", ErrCanceled},
	{ReplySyntaxError, "SyntaxError", ErrSyntax},
	{ReplyNotConnected, "NotConnected", ErrNotConnected},
	{ReplyInternalError, "InternalError", ErrInternal},
	{ReplyBusy, "Busy", ErrBusy},
	{ReplyAlreadyConnected, "AlreadyConnected", ErrAlreadyConnected},
	{ReplyTimeout, "Timeout", ErrTimeout},
	{ReplyDisconnected, "Disconnected", ErrDisconnected},
	{ReplyWouldBlock, "WouldBlock", nil},
}

// flags returns the indexes into replyFlags that r is made of. A bare
// ReplyError is reported as -1.
func (r Reply) flags() []int {
	var idx []int
	rest := r
	specific := false
	for i, f := range replyFlags {
		own := f.bits &^ ReplyError
		if rest&own == own && r&f.bits == f.bits {
			idx = append(idx, i)
			rest &^= own
			if f.bits&ReplyError != 0 {
				specific = true
			}
		}
	}
	if r&ReplyError != 0 && !specific {
		idx = append([]int{-1}, idx...)
	}
	return idx
}

// Has reports whether every bit of flag is set in r.
func (r Reply) Has(flag Reply) bool {
	return flag != ReplyOK && r&flag == flag
}

// Failed reports whether r carries the error bit.
func (r Reply) Failed() bool {
	return r&ReplyError != 0
}

// String lists the set flags, e.g. "Canceled|Disconnected".
func (r Reply) String() string {
	if r == ReplyOK {
		return "OK"
	}

	var names []string
	for _, i := range r.flags() {
		if i < 0 {
			names = append(names, "Error")
			continue
		}
		names = append(names, replyFlags[i].name)
	}
	return strings.Join(names, "|")
}

// Err converts the reply to an error. Replies without the error bit, including
// ReplyWouldBlock and a bare ReplyDisconnected, yield nil. The returned error
// matches ErrFailed and every sentinel whose flag is set.
func (r Reply) Err() error {
	if !r.Failed() {
		return nil
	}

	errs := []error{ErrFailed}
	for _, i := range r.flags() {
		if i >= 0 && replyFlags[i].err != nil {
			errs = append(errs, replyFlags[i].err)
		}
	}
	return &CommandError{Reply: r, errs: errs}
}

// CommandError wraps a failed Reply.
type CommandError struct {
	Reply Reply
	errs  []error
}

func (e *CommandError) Error() string {
	return "ftpengine: " + e.Reply.String()
}

// Unwrap exposes the sentinel errors for errors.Is.
func (e *CommandError) Unwrap() []error {
	return e.errs
}
