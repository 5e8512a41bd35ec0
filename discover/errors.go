package discover

import "errors"

// Errors
var (
	errWrongIDLength    = errors.New("wrong id length")
	errClosed           = errors.New("socket closed")
	errStalled          = errors.New("call stalled")
	errUnsolicitedReply = errors.New("unsolicited reply")
	errUnknownMethod    = errors.New("method unknown")
	errBogonDestination = errors.New("destination is a bogon address")
	errNoDestination    = errors.New("message has no destination set")
	errAlreadyRunning   = errors.New("server is already running")
	errNotRunning       = errors.New("server is not running")
	errCallMismatch     = errors.New("response origin or node id does not match the call")
)

// Error codes from the KRPC wire protocol (spec.md §6/§7).
const (
	ErrorCodeGeneric       = 201
	ErrorCodeServer        = 202
	ErrorCodeProtocol      = 203
	ErrorCodeMethodUnknown = 204
)
