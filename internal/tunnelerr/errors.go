// Package tunnelerr defines the error kinds shared by the agent and gateway
// and the user-facing hints attached to them.
package tunnelerr

import (
	"errors"
	"fmt"

	jujuerrors "github.com/juju/errors"
)

// Error kinds. Match them with errors.Is.
const (
	AlreadyExists        = jujuerrors.AlreadyExists
	NotFound             = jujuerrors.NotFound
	Timeout              = jujuerrors.Timeout
	PreconditionFailed   = jujuerrors.ConstError("precondition failed")
	ExternalActionFailed = jujuerrors.ConstError("external action failed")
	InProgress           = jujuerrors.ConstError("in progress")
)

// Error is a classified failure on a named resource.
type Error struct {
	Kind     jujuerrors.ConstError
	Resource string
	Msg      string
	Hint     string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Resource != "" {
		msg = e.Resource + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an Error of the given kind.
func New(kind jujuerrors.ConstError, resource, hint, format string, args ...any) error {
	return &Error{
		Kind:     kind,
		Resource: resource,
		Msg:      fmt.Sprintf(format, args...),
		Hint:     hint,
	}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind jujuerrors.ConstError, err error, resource, hint string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:     kind,
		Resource: resource,
		Msg:      string(kind),
		Hint:     hint,
		Err:      err,
	}
}

// HintOf returns the first hint found in err's chain.
func HintOf(err error) string {
	var te *Error
	for err != nil {
		if !errors.As(err, &te) {
			return ""
		}
		if te.Hint != "" {
			return te.Hint
		}
		err = te.Err
	}
	return ""
}

// IsInformational reports whether err describes a condition the caller
// asked for anyway, or one that is still on its way there. Such errors are
// reported as success.
func IsInformational(err error) bool {
	return err != nil && (errors.Is(err, AlreadyExists) || errors.Is(err, InProgress))
}
