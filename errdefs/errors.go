// Package errdefs holds the error types shared across the relay packages.
// Callers match them with errors.As.
package errdefs

import "fmt"

// NotFoundError indicates a session, observer, log or patch that doesn't exist
// (or no longer exists, e.g. after its producer was removed).
type NotFoundError struct {
	Type string // "session", "observer", "log", "playback"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.Name)
}

// OutOfRangeError is returned when a seek targets a time outside the log bounds.
type OutOfRangeError struct {
	Time  int64
	Start int64
	End   int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("time %d is outside of the log bounds [%d, %d]", e.Time, e.Start, e.End)
}

// ConflictError indicates an operation that contradicts the observer's current
// watch, such as releasing a session the observer is not watching.
type ConflictError struct {
	Observer string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting request from observer %s: %s", e.Observer, e.Reason)
}

// GatewayConnectError indicates the external visualization gateway did not
// acknowledge a connection change in time or refused it.
type GatewayConnectError struct {
	Op  string // "init_interop" or "teardown"
	Err error
}

func (e *GatewayConnectError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayConnectError) Unwrap() error { return e.Err }

// PublishError reports that a patch edit was saved locally but the record
// publisher rejected it.
type PublishError struct {
	PatchFile string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("saved to local patch %q but not published: %v", e.PatchFile, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CorruptPatchError indicates a patch file that could not be decoded.
type CorruptPatchError struct {
	Path string
	Err  error
}

func (e *CorruptPatchError) Error() string {
	return fmt.Sprintf("corrupt patch file %s: %v", e.Path, e.Err)
}

func (e *CorruptPatchError) Unwrap() error { return e.Err }
