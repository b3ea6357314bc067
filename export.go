package dbus

import (
	"reflect"
)

// errorType is the sentinel return type exported methods must use for
// their final result to signal failure: func(...) (..., *dbus.Error).
var errorType = reflect.TypeOf((*Error)(nil))

// exportedInterface holds the reflected method table for one interface
// exported on one object path.
type exportedInterface struct {
	iface   interface{}
	methods map[string]reflect.Value
}

func newExportedInterface(v interface{}) *exportedInterface {
	rv := reflect.ValueOf(v)
	ei := &exportedInterface{iface: v, methods: make(map[string]reflect.Value)}
	for i := 0; i < rv.NumMethod(); i++ {
		m := rv.Type().Method(i)
		t := m.Type
		if t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType {
			continue
		}
		ei.methods[m.Name] = rv.Method(i)
	}
	return ei
}

// Export registers v's exported methods (whose last return value is
// *dbus.Error) under path as interface iface. A method named "Foo" is
// invoked for a call to iface.Foo; its non-error return values become the
// reply body.
//
// Passing a nil v unexports iface from path.
func (conn *Conn) Export(v interface{}, path ObjectPath, iface string) error {
	if !path.IsValid() {
		return InvalidMessageError("invalid object path: " + string(path))
	}
	conn.handlersLck.Lock()
	defer conn.handlersLck.Unlock()
	if v == nil {
		if m := conn.handlers[path]; m != nil {
			delete(m, iface)
			if len(m) == 0 {
				delete(conn.handlers, path)
			}
		}
		return nil
	}
	if conn.handlers[path] == nil {
		conn.handlers[path] = make(map[string]*exportedInterface)
	}
	conn.handlers[path][iface] = newExportedInterface(v)
	return nil
}

// Unexport removes every interface previously exported under path.
func (conn *Conn) Unexport(path ObjectPath) {
	conn.handlersLck.Lock()
	delete(conn.handlers, path)
	conn.handlersLck.Unlock()
}

// Emit sends a signal with the given body on path/iface.member to every
// peer subscribed via AddMatch.
func (conn *Conn) Emit(path ObjectPath, name string, body ...interface{}) error {
	i := lastDot(name)
	if i == -1 {
		panic("dbus: invalid signal name: " + name)
	}
	msg := NewSignalMessage(path, name[:i], name[i+1:])
	if len(body) > 0 {
		if err := msg.setBody(body...); err != nil {
			return err
		}
	}
	conn.Send(nil, msg)
	return nil
}

// RequestName calls org.freedesktop.DBus.RequestName, asking the bus to
// assign name to this connection.
func (conn *Conn) RequestName(name string, flags RequestNameFlags) (RequestNameReply, error) {
	var r uint32
	err := conn.busObj.Call("org.freedesktop.DBus.RequestName", 0, name, flags).Store(&r)
	if err != nil {
		return 0, err
	}
	return RequestNameReply(r), nil
}

// ReleaseName calls org.freedesktop.DBus.ReleaseName, giving up a
// previously requested name.
func (conn *Conn) ReleaseName(name string) (ReleaseNameReply, error) {
	var r uint32
	err := conn.busObj.Call("org.freedesktop.DBus.ReleaseName", 0, name).Store(&r)
	if err != nil {
		return 0, err
	}
	return ReleaseNameReply(r), nil
}

// RequestNameFlags represents the possible flags for the RequestName call.
type RequestNameFlags uint32

const (
	NameFlagAllowReplacement RequestNameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestNameReply is the status returned by a RequestName call.
type RequestNameReply uint32

const (
	RequestNameReplyPrimaryOwner RequestNameReply = 1 + iota
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

// ReleaseNameReply is the status returned by a ReleaseName call.
type ReleaseNameReply uint32

const (
	ReleaseNameReplyReleased ReleaseNameReply = 1 + iota
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// handleCall dispatches an incoming TypeMethodCall message to an exported
// method, replying with the method's results, an error reply, or nothing
// at all if the caller set FlagNoReplyExpected. It runs in its own
// goroutine per call so a slow handler cannot stall message delivery.
func (conn *Conn) handleCall(msg *Message) {
	sender, _ := msg.Headers[FieldSender].value.(string)
	path := msg.Headers[FieldPath].value.(ObjectPath)
	member := msg.Headers[FieldMember].value.(string)
	ifaceName, _ := msg.Headers[FieldInterface].value.(string)
	serial := msg.serial
	noReply := msg.Flags&FlagNoReplyExpected != 0

	reject := func(name, text string) {
		if noReply {
			return
		}
		conn.sendError(Error{Name: name, Body: []interface{}{text}}, sender, serial)
	}

	switch ifaceName {
	case "org.freedesktop.DBus.Peer":
		conn.handlePeerCall(member, sender, serial, noReply)
		return
	case "org.freedesktop.DBus.Introspectable":
		if member == "Introspect" {
			conn.handleIntrospect(path, sender, serial, noReply)
			return
		}
	}

	conn.handlersLck.RLock()
	byIface := conn.handlers[path]
	var ei *exportedInterface
	var m reflect.Value
	ambiguous := false
	if byIface != nil {
		if ifaceName != "" {
			ei = byIface[ifaceName]
		} else {
			// No interface named: the member must resolve to exactly one
			// registered interface. Absence or ambiguity both fail with
			// UnknownMethod, never a guess.
			var names []string
			for n, candidate := range byIface {
				if _, ok := candidate.methods[member]; ok {
					names = append(names, n)
				}
			}
			switch len(names) {
			case 1:
				ei = byIface[names[0]]
			case 0:
				// ei stays nil; the ifaceName == "" branch below replies UnknownMethod
			default:
				ambiguous = true
			}
		}
		if ei != nil {
			m = ei.methods[member]
		}
	}
	conn.handlersLck.RUnlock()

	if byIface == nil {
		reject(ErrNameUnknownObject, "Unknown object "+string(path))
		return
	}
	if ambiguous {
		reject(ErrNameUnknownMethod, "Unknown method "+member)
		return
	}
	if ei == nil {
		if ifaceName == "" {
			reject(ErrNameUnknownMethod, "Unknown method "+member)
		} else {
			reject(ErrNameUnknownIface, "Unknown interface "+ifaceName)
		}
		return
	}
	if !m.IsValid() {
		reject(ErrNameUnknownMethod, "Unknown method "+member)
		return
	}

	vs, err := msg.Values()
	if err != nil {
		reject(ErrNameInvalidArgs, err.Error())
		return
	}
	t := m.Type()
	if t.NumIn() != len(vs) {
		reject(ErrNameInvalidArgs, "method expects a different number of arguments")
		return
	}
	args := make([]reflect.Value, len(vs))
	for i, v := range vs {
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(t.In(i)) {
			reject(ErrNameInvalidArgs, "argument type mismatch")
			return
		}
		args[i] = rv
	}

	defer func() {
		if r := recover(); r != nil {
			Log.WithField("member", member).WithField("panic", r).Error("dbus: exported method panicked")
			reject(ErrNameFailed, "method panicked")
		}
	}()
	ret := m.Call(args)
	if errRet := ret[len(ret)-1]; !errRet.IsNil() {
		if noReply {
			Log.WithField("member", member).Debug("dbus: method failed on a call that expects no reply")
			return
		}
		e := errRet.Interface().(*Error)
		conn.sendError(*e, sender, serial)
		return
	}
	if noReply {
		return
	}
	out := make([]interface{}, len(ret)-1)
	for i := range out {
		out[i] = ret[i].Interface()
	}
	conn.sendReply(sender, serial, out...)
}

func (conn *Conn) handlePeerCall(member, sender string, serial uint32, noReply bool) {
	if noReply {
		return
	}
	switch member {
	case "Ping":
		conn.sendReply(sender, serial)
	case "GetMachineId":
		conn.sendReply(sender, serial, conn.uuid)
	default:
		conn.sendError(Error{Name: ErrNameUnknownMethod, Body: []interface{}{"Unknown method " + member}}, sender, serial)
	}
}

func (conn *Conn) handleIntrospect(path ObjectPath, sender string, serial uint32, noReply bool) {
	if noReply {
		return
	}
	node := conn.introspectPath(path)
	conn.sendReply(sender, serial, node.String())
}
