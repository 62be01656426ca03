package errcodes

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	CodeNetwork  = "network_error"
	CodeAuth     = "auth_error"
	CodeNotFound = "not_found"
	CodeParse    = "parse_error"
	CodeServer   = "server_error"
	CodeConflict = "conflict"
)

// Error is the typed failure surfaced by every engine component. Kind plus
// message is enough for a caller to decide between a retry prompt, a
// "report this" action, or a silent log entry.
type Error struct {
	Code    string
	Message string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.Code = err.Code
	te.Message = err.Message
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Code == err.Code && te.Message == err.Message
}

// Network returns a transport-level failure. Not auto-retried inside the
// engine; the caller decides whether to retry.
func Network(err error) error {
	return &Error{
		CodeNetwork,
		fmt.Sprintf("Network error: %v.", err),
	}
}

// Auth returns a credential failure. Surfaced immediately, never retried,
// since credentials will not spontaneously become valid.
func Auth(url string) error {
	return &Error{
		CodeAuth,
		fmt.Sprintf("Authentication failed for %s.", url),
	}
}

// NotFound returns a 404 failure for the given resource. For book metadata
// this means the server no longer has the book.
func NotFound(resource string) error {
	return &Error{
		CodeNotFound,
		resource + " not found.",
	}
}

// Parse returns a failure for an unexpected content type or a malformed
// document.
func Parse(msg string) error {
	return &Error{
		CodeParse,
		msg,
	}
}

// Server returns a failure for a non-2xx response that isn't 401 or 404.
func Server(status int, url string) error {
	return &Error{
		CodeServer,
		fmt.Sprintf("Server returned %d for %s.", status, url),
	}
}

// Conflict reports a rejected concurrent operation, e.g. a second download
// start for a (book, format) that is already transferring.
func Conflict(msg string) error {
	return &Error{
		CodeConflict,
		msg,
	}
}

func is(err error, code string) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}

func IsNetwork(err error) bool  { return is(err, CodeNetwork) }
func IsAuth(err error) bool     { return is(err, CodeAuth) }
func IsNotFound(err error) bool { return is(err, CodeNotFound) }
func IsParse(err error) bool    { return is(err, CodeParse) }
func IsServer(err error) bool   { return is(err, CodeServer) }
func IsConflict(err error) bool { return is(err, CodeConflict) }
