package dbus

import "fmt"

// TransportError wraps an error returned by the underlying transport
// (read/write/dial failures on the byte-oriented duplex channel the
// connection is built on top of).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "dbus: transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrDisconnected is returned by any operation attempted on, or any pending
// call outstanding against, a Conn whose transport has been closed.
var ErrDisconnected = fmt.Errorf("dbus: connection closed")

// ErrTimeout is delivered to a pending call's waiter when its deadline
// passes before a reply arrives.
var ErrTimeout = fmt.Errorf("dbus: call timed out")

// ErrCancelled is delivered to a pending call's waiter when the caller
// cancels it explicitly.
var ErrCancelled = fmt.Errorf("dbus: call cancelled")

// TypeMismatchError is returned when a Variant is extracted at a type other
// than the one it was constructed with.
type TypeMismatchError struct {
	Have, Want Signature
}

func (e TypeMismatchError) Error() string {
	return "dbus: type mismatch: have " + e.Have.String() + ", want " + e.Want.String()
}

// Well-known org.freedesktop.DBus.Error.* names (spec §6).
const (
	ErrNameFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownIface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProp   = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameNotSupported  = "org.freedesktop.DBus.Error.NotSupported"
	ErrNameNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrNameDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
	ErrNameTimedOut      = "org.freedesktop.DBus.Error.TimedOut"
	ErrNameAccessDenied  = "org.freedesktop.DBus.Error.AccessDenied"
)
