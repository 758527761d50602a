// Package routing builds the stage-1 routing tree for a dialed extension
// and turns it into the dialplan strings the switch re-enters.
package routing

import "fmt"

// Code classifies why a RoutingError was raised, matching the reply codes
// the stage-1/stage-2 tasks surface back over the message bus.
type Code string

const (
	CodeNoRoute   Code = "noroute"
	CodeNoAuth    Code = "noauth"
	CodeForbidden Code = "forbidden"
	CodeBusy      Code = "busy"
	CodeOffline   Code = "offline"
	CodeFailure   Code = "failure"
)

// Error is a routing failure carrying the code the caller must reply with.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a routing Error with the given code.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
