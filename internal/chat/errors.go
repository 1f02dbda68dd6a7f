package chat

import "fmt"

// Kind categorizes a failed chat request. Handlers translate kinds into
// HTTP statuses; the caller-facing message never carries internal detail.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthenticated
	KindUpstreamOverloaded
	KindTimeout
)

// Error pairs a caller-safe message with the underlying cause. The cause is
// for server-side logs only.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error category.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the caller-safe description.
func (e *Error) Message() string { return e.msg }

// NewError builds a categorized error with a caller-safe message.
func NewError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func invalidf(format string, args ...any) *Error {
	return &Error{kind: KindInvalidInput, msg: fmt.Sprintf(format, args...)}
}

func internal(msg string, err error) *Error {
	return &Error{kind: KindInternal, msg: msg, err: err}
}

func overloaded(err error) *Error {
	return &Error{kind: KindUpstreamOverloaded, msg: "the assistant is overloaded right now, please try again shortly", err: err}
}

func timeout(err error) *Error {
	return &Error{kind: KindTimeout, msg: "the assistant took too long to respond", err: err}
}

// KindOf extracts the category from err, defaulting to internal.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.kind
	}
	return KindInternal
}
