package dbus

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BusObject is implemented by any value that can have methods invoked on
// it over the bus. Object is the only exported implementation.
type BusObject interface {
	Call(method string, flags Flags, args ...interface{}) *Call
	Go(method string, flags Flags, ch chan *Call, args ...interface{}) *Call
	AddMatchSignal(iface, member string, options ...MatchOption) error
	RemoveMatchSignal(iface, member string, options ...MatchOption) error
	GetProperty(p string) (Variant, error)
	Destination() string
	Path() ObjectPath
}

// connRegistry lets an Object reference its Conn by a small integer id
// rather than holding the pointer directly, so that a long-lived table of
// proxy objects (as introspection caching tends to accumulate) doesn't
// keep an otherwise-closed Conn's goroutines pinned in memory.
var (
	connRegistry   = map[uint64]*Conn{}
	connRegistryMu sync.RWMutex
	connRegistryID uint64
)

func registerConn(conn *Conn) uint64 {
	connRegistryMu.Lock()
	defer connRegistryMu.Unlock()
	connRegistryID++
	id := connRegistryID
	connRegistry[id] = conn
	return id
}

func lookupConn(id uint64) *Conn {
	connRegistryMu.RLock()
	defer connRegistryMu.RUnlock()
	return connRegistry[id]
}

// forgetConn drops the registry's reference to conn's id, allowing it to
// be collected once no other Object still points at it. Conn.Close calls
// this for its own busObj.
func forgetConn(id uint64) {
	connRegistryMu.Lock()
	delete(connRegistry, id)
	connRegistryMu.Unlock()
}

// Object represents a remote object on which methods, properties and
// signal subscriptions can be invoked. It is created by (*Conn).Object.
type Object struct {
	connID uint64
	dest   string
	path   ObjectPath
}

func (o *Object) conn() *Conn {
	c := lookupConn(o.connID)
	if c == nil {
		panic("dbus: use of Object after its Conn was closed and collected")
	}
	return c
}

// Destination returns the destination that calls on o are sent to.
func (o *Object) Destination() string { return o.dest }

// Path returns the path that calls on o are sent to.
func (o *Object) Path() ObjectPath { return o.path }

// Call calls a method with the given arguments and returns without
// waiting for the reply; Store, or a receive from the returned call's
// Done channel, waits for it. method is formatted as "interface.method",
// e.g. "org.freedesktop.DBus.Hello"; a method name with no dot is sent
// without an Interface header.
func (o *Object) Call(method string, flags Flags, args ...interface{}) *Call {
	return o.go_(context.Background(), method, flags, make(chan *Call, 1), args...)
}

// CallWithContext is like Call but bounds the call's lifetime with ctx.
func (o *Object) CallWithContext(ctx context.Context, method string, flags Flags, args ...interface{}) *Call {
	return o.go_(ctx, method, flags, make(chan *Call, 1), args...)
}

// CallWithTimeout is like Call but fails with ErrTimeout if no reply
// arrives within timeout.
func (o *Object) CallWithTimeout(timeout time.Duration, method string, flags Flags, args ...interface{}) *Call {
	ctx, cancel := newTimeoutContext(context.Background(), timeout)
	call := o.go_(ctx, method, flags, make(chan *Call, 1), args...)
	if call.ctx == nil {
		cancel()
		return call
	}
	go func() {
		<-call.ctx.Done()
		cancel()
	}()
	return call
}

// Go calls a method with the given arguments asynchronously. If ch is
// non-nil, the *Call is also sent there once it completes; ch must be
// sufficiently buffered or unblocked, since a full channel is skipped
// silently.
func (o *Object) Go(method string, flags Flags, ch chan *Call, args ...interface{}) *Call {
	return o.go_(context.Background(), method, flags, ch, args...)
}

// GoWithContext is like Go but bounds the call's lifetime with ctx.
func (o *Object) GoWithContext(ctx context.Context, method string, flags Flags, ch chan *Call, args ...interface{}) *Call {
	return o.go_(ctx, method, flags, ch, args...)
}

func (o *Object) go_(ctx context.Context, method string, flags Flags, ch chan *Call, args ...interface{}) *Call {
	var iface, member string
	if i := strings.LastIndex(method, "."); i == -1 {
		member = method
	} else {
		iface, member = method[:i], method[i+1:]
	}

	msg := NewCallMessage(o.dest, o.path, iface, member)
	msg.Flags = flags & knownFlags
	if len(args) > 0 {
		if err := msg.setBody(args...); err != nil {
			call := &Call{Method: method, Done: make(chan *Call, 1), Err: err}
			call.Done <- call
			return call
		}
	}

	conn := o.conn()
	call := conn.Send(ctx, msg)
	if call == nil {
		// NoReplyExpected: synthesize an already-done call so callers
		// that ignore the reply don't have to special-case nil.
		call = &Call{Method: method, Done: make(chan *Call, 1)}
		call.Done <- call
	}
	if ch != nil {
		go func() {
			c := <-call.Done
			select {
			case ch <- c:
			default:
			}
		}()
	}
	return call
}

// GetProperty calls org.freedesktop.DBus.Properties.Get for the fully
// qualified property name p (e.g. "org.freedesktop.DBus.Peer.Foo").
func (o *Object) GetProperty(p string) (Variant, error) {
	idx := strings.LastIndex(p, ".")
	if idx == -1 || idx+1 == len(p) {
		return Variant{}, errors.New("dbus: invalid property " + p)
	}
	iface, name := p[:idx], p[idx+1:]

	var result Variant
	err := o.Call("org.freedesktop.DBus.Properties.Get", 0, iface, name).Store(&result)
	return result, err
}

// SetProperty calls org.freedesktop.DBus.Properties.Set for the fully
// qualified property name p.
func (o *Object) SetProperty(p string, v interface{}) error {
	idx := strings.LastIndex(p, ".")
	if idx == -1 || idx+1 == len(p) {
		return errors.New("dbus: invalid property " + p)
	}
	iface, name := p[:idx], p[idx+1:]
	return o.Call("org.freedesktop.DBus.Properties.Set", 0, iface, name, MakeVariant(v)).Store()
}

// MatchOption adds a key/value pair to an AddMatch rule, e.g.
// WithMatchInterface("org.freedesktop.DBus").
type MatchOption func(map[string]string)

// WithMatchOption sets an arbitrary AddMatch rule key.
func WithMatchOption(key, value string) MatchOption {
	return func(m map[string]string) { m[key] = value }
}

// WithMatchInterface matches signals sent on the given interface.
func WithMatchInterface(iface string) MatchOption { return WithMatchOption("interface", iface) }

// WithMatchMember matches signals with the given member (signal) name.
func WithMatchMember(member string) MatchOption { return WithMatchOption("member", member) }

// WithMatchObjectPath matches signals emitted from the given object path.
func WithMatchObjectPath(path ObjectPath) MatchOption {
	return WithMatchOption("path", string(path))
}

// WithMatchPathNamespace matches signals emitted from path or any of its
// children.
func WithMatchPathNamespace(path ObjectPath) MatchOption {
	return WithMatchOption("path_namespace", string(path))
}

// WithMatchSender matches signals sent by the given unique or well-known bus
// name.
func WithMatchSender(sender string) MatchOption { return WithMatchOption("sender", sender) }

// WithMatchDestination matches signals addressed to the given bus name.
func WithMatchDestination(dest string) MatchOption { return WithMatchOption("destination", dest) }

// WithMatchArg matches the signal's Nth string argument against value.
func WithMatchArg(idx int, value string) MatchOption {
	return WithMatchOption("arg"+strconv.Itoa(idx), value)
}

// buildMatchRule renders options into the comma-separated key='value' rule
// string expected by org.freedesktop.DBus.AddMatch/RemoveMatch.
func buildMatchRule(options []MatchOption) string {
	m := map[string]string{"type": "signal"}
	for _, opt := range options {
		opt(m)
	}
	var b strings.Builder
	first := true
	write := func(k, v string) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(v)
		b.WriteByte('\'')
	}
	for _, k := range []string{"type", "sender", "interface", "member", "path", "path_namespace", "destination"} {
		if v, ok := m[k]; ok {
			write(k, v)
		}
	}
	for k, v := range m {
		if strings.HasPrefix(k, "arg") {
			write(k, v)
		}
	}
	return b.String()
}

func (o *Object) matchRule(iface, member string, options []MatchOption) string {
	opts := make([]MatchOption, 0, len(options)+3)
	opts = append(opts, WithMatchInterface(iface), WithMatchMember(member), WithMatchObjectPath(o.path))
	opts = append(opts, options...)
	return buildMatchRule(opts)
}

// AddMatchSignal registers a server-side match rule so that signals with
// the given interface and member are delivered to this connection.
func (o *Object) AddMatchSignal(iface, member string, options ...MatchOption) error {
	return o.conn().BusObject().Call("org.freedesktop.DBus.AddMatch", 0, o.matchRule(iface, member, options)).Store()
}

// RemoveMatchSignal reverses a prior AddMatchSignal.
func (o *Object) RemoveMatchSignal(iface, member string, options ...MatchOption) error {
	return o.conn().BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, o.matchRule(iface, member, options)).Store()
}

// AddMatchSignal registers a match rule built entirely from options,
// without an implied interface, member or path. Use the WithMatch*
// constructors to describe which signals should be delivered.
func (conn *Conn) AddMatchSignal(options ...MatchOption) error {
	return conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, buildMatchRule(options)).Store()
}

// RemoveMatchSignal reverses a prior AddMatchSignal.
func (conn *Conn) RemoveMatchSignal(options ...MatchOption) error {
	return conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, buildMatchRule(options)).Store()
}
