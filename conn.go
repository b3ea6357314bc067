package dbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"
	sessionBusAddressEnv    = "DBUS_SESSION_BUS_ADDRESS"
)

var (
	systemBus  *Conn
	sessionBus *Conn
	busLock    sync.Mutex
)

// transport is the duplex byte channel a Conn is built on top of, plus the
// handful of operations (null-byte handshake, message framing, Unix fd
// passing) that differ across unix/tcp addresses.
type transport interface {
	io.ReadWriteCloser
	SendNullByte() error
	SupportsUnixFDs() bool
	EnableUnixFDs()
	ReadMessage() (*Message, error)
	SendMessage(msg *Message, serial uint32) error
}

// Conn represents a connection to a message bus (usually the system or
// session bus). Multiple goroutines may invoke methods on a Conn
// simultaneously.
type Conn struct {
	transport
	uuid string

	names    []string
	namesLck sync.RWMutex

	serialCounter uint32
	serialMu      sync.Mutex
	usedSerials   map[uint32]bool

	calls *pendingCalls

	handlers    map[ObjectPath]map[string]*exportedInterface
	handlersLck sync.RWMutex

	out chan outgoing

	handler     SignalHandler
	signalChans []chan<- *Signal
	signalsMu   sync.Mutex
	sequences   *sequenceGenerator

	eavesdropped   chan<- *Message
	eavesdroppedMu sync.Mutex

	busObj *Object
	closed bool
	closedMu sync.Mutex
}

type outgoing struct {
	msg  *Message
	call *Call
}

// DialOption configures a Conn before it is connected.
type DialOption func(*dialConfig)

type dialConfig struct {
	auth []Auth
}

// WithAuth overrides the SASL mechanisms tried, in order, when dialing.
func WithAuth(methods ...Auth) DialOption {
	return func(c *dialConfig) { c.auth = methods }
}

// SessionBus returns the connection to the session bus, connecting to it
// if not already done.
func SessionBus() (conn *Conn, err error) {
	busLock.Lock()
	defer busLock.Unlock()
	if sessionBus != nil {
		return sessionBus, nil
	}
	defer func() {
		if conn != nil {
			sessionBus = conn
		}
	}()
	address := os.Getenv(sessionBusAddressEnv)
	if address != "" && address != "autolaunch:" {
		return Dial(address)
	}
	return sessionBusPlatform()
}

// SystemBus returns the connection to the system bus, connecting to it if
// not already done.
func SystemBus() (conn *Conn, err error) {
	busLock.Lock()
	defer busLock.Unlock()
	if systemBus != nil {
		return systemBus, nil
	}
	defer func() {
		if conn != nil {
			systemBus = conn
		}
	}()
	address := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if address != "" {
		return Dial(address)
	}
	return Dial(defaultSystemBusAddress)
}

// Dial establishes a new connection to the message bus specified by
// address.
func Dial(address string, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.auth == nil {
		cfg.auth = []Auth{AuthExternal(strconv.Itoa(os.Getuid())), AuthCookieSha1{}}
	}

	tr, err := getTransport(address)
	if err != nil {
		return nil, err
	}
	conn, err := newConnWithAuth(tr, cfg.auth)
	if err != nil {
		return nil, err
	}
	if err = conn.hello(); err != nil {
		conn.transport.Close()
		return nil, err
	}
	return conn, nil
}

// newConn wraps an already-open transport (used by Server.Accept for
// inbound peer connections) in a Conn without performing the client-side
// SASL handshake or Hello call.
func newConn(tr transport) (*Conn, error) {
	conn := newBareConn(tr)
	go conn.inWorker()
	go conn.outWorker()
	return conn, nil
}

func newConnWithAuth(tr transport, methods []Auth) (*Conn, error) {
	conn := newBareConn(tr)
	if err := conn.auth(methods); err != nil {
		conn.transport.Close()
		return nil, err
	}
	go conn.inWorker()
	go conn.outWorker()
	return conn, nil
}

// newBareConn allocates and initializes a Conn's bookkeeping state around
// tr, without performing a SASL handshake, starting its worker goroutines,
// or sending Hello.
func newBareConn(tr transport) *Conn {
	conn := new(Conn)
	conn.transport = tr
	conn.usedSerials = map[uint32]bool{0: true}
	conn.calls = newPendingCalls()
	conn.out = make(chan outgoing, 10)
	conn.handlers = make(map[ObjectPath]map[string]*exportedInterface)
	conn.handler = NewSequentialSignalHandler()
	conn.sequences = newSequenceGenerator()
	conn.busObj = conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	return conn
}

// DialPrivate establishes a new, unauthenticated connection to address,
// not shared with any other caller. The caller must call Auth and then
// Hello before using the connection for anything else.
func DialPrivate(address string, opts ...DialOption) (*Conn, error) {
	tr, err := getTransport(address)
	if err != nil {
		return nil, err
	}
	return newBareConn(tr), nil
}

// SessionBusPrivate returns a new, unshared, unauthenticated connection to
// the bus named by DBUS_SESSION_BUS_ADDRESS. The caller must call Auth and
// Hello before using it.
func SessionBusPrivate(opts ...DialOption) (*Conn, error) {
	address := os.Getenv(sessionBusAddressEnv)
	if address == "" || address == "autolaunch:" {
		return nil, errors.New("dbus: DBUS_SESSION_BUS_ADDRESS not set")
	}
	return DialPrivate(address, opts...)
}

// SystemBusPrivate returns a new, unshared, unauthenticated connection to
// the system bus. The caller must call Auth and Hello before using it.
func SystemBusPrivate(opts ...DialOption) (*Conn, error) {
	address := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if address == "" {
		address = defaultSystemBusAddress
	}
	return DialPrivate(address, opts...)
}

// Auth performs the SASL handshake on a connection obtained from
// DialPrivate/SessionBusPrivate/SystemBusPrivate, starting its worker
// goroutines once it succeeds. methods defaults to external-uid-then-cookie
// authentication, same as Dial, when nil.
func (conn *Conn) Auth(methods []Auth) error {
	if methods == nil {
		methods = []Auth{AuthExternal(strconv.Itoa(os.Getuid())), AuthCookieSha1{}}
	}
	if err := conn.auth(methods); err != nil {
		return err
	}
	go conn.inWorker()
	go conn.outWorker()
	return nil
}

// Hello sends the initial org.freedesktop.DBus.Hello call, required once
// after Auth before a private connection may be used for anything else.
func (conn *Conn) Hello() error {
	return conn.hello()
}

// BusObject returns the message bus object.
func (conn *Conn) BusObject() *Object { return conn.busObj }

// Close closes the connection. Any blocked operations return with errors,
// and the channels passed to Eavesdrop and Signal are closed.
func (conn *Conn) Close() error {
	conn.closedMu.Lock()
	if conn.closed {
		conn.closedMu.Unlock()
		return nil
	}
	conn.closed = true
	conn.closedMu.Unlock()

	close(conn.out)
	conn.signalsMu.Lock()
	conn.handler.Terminate()
	conn.signalChans = nil
	conn.signalsMu.Unlock()
	conn.eavesdroppedMu.Lock()
	if conn.eavesdropped != nil {
		close(conn.eavesdropped)
	}
	conn.eavesdroppedMu.Unlock()
	conn.calls.drain(ErrDisconnected)
	forgetConn(conn.busObj.connID)
	return conn.transport.Close()
}

// Connected reports whether Close has not yet been called on conn.
func (conn *Conn) Connected() bool {
	conn.closedMu.Lock()
	defer conn.closedMu.Unlock()
	return !conn.closed
}

// Eavesdrop changes the channel to which all messages are sent whose
// destination field is not one of the known names of this connection and
// which are not signals. The caller must ensure c is sufficiently
// buffered; if a message arrives when a write to c is not possible, the
// message is discarded. The channel can be reset by passing nil.
func (conn *Conn) Eavesdrop(c chan *Message) {
	conn.eavesdroppedMu.Lock()
	conn.eavesdropped = c
	conn.eavesdroppedMu.Unlock()
}

// hello sends the initial org.freedesktop.DBus.Hello call.
func (conn *Conn) hello() error {
	var s string
	if err := conn.busObj.Call("org.freedesktop.DBus.Hello", 0).Store(&s); err != nil {
		return err
	}
	conn.namesLck.Lock()
	conn.names = []string{s}
	conn.namesLck.Unlock()
	return nil
}

// nextSerial allocates the next unused, nonzero serial number.
func (conn *Conn) nextSerial() uint32 {
	conn.serialMu.Lock()
	defer conn.serialMu.Unlock()
	for {
		conn.serialCounter++
		if conn.serialCounter == 0 {
			conn.serialCounter = 1
		}
		if !conn.usedSerials[conn.serialCounter] {
			conn.usedSerials[conn.serialCounter] = true
			return conn.serialCounter
		}
	}
}

func (conn *Conn) releaseSerial(s uint32) {
	conn.serialMu.Lock()
	delete(conn.usedSerials, s)
	conn.serialMu.Unlock()
}

// inWorker runs in its own goroutine, reading incoming messages from the
// transport and dispatching them.
func (conn *Conn) inWorker() {
	for {
		msg, err := conn.transport.ReadMessage()
		if err != nil {
			if _, ok := err.(InvalidMessageError); ok {
				Log.WithError(err).Debug("dbus: received invalid message, skipping")
				continue
			}
			if _, ok := err.(*multierror.Error); ok {
				Log.WithError(err).Debug("dbus: received invalid message, skipping")
				continue
			}
			Log.WithError(err).Warn("dbus: closing connection after read error")
			conn.Close()
			return
		}

		dest, _ := msg.Headers[FieldDestination].value.(string)
		conn.namesLck.RLock()
		found := len(conn.names) == 0
		for _, v := range conn.names {
			if dest == v {
				found = true
				break
			}
		}
		conn.namesLck.RUnlock()

		conn.eavesdroppedMu.Lock()
		eavesdropped := conn.eavesdropped
		conn.eavesdroppedMu.Unlock()
		if !found && (msg.Type != TypeSignal || eavesdropped != nil) {
			if eavesdropped != nil {
				select {
				case eavesdropped <- msg:
				default:
				}
			}
			continue
		}

		switch msg.Type {
		case TypeMethodReply, TypeError:
			serial, _ := msg.Headers[FieldReplySerial].value.(uint32)
			var body []interface{}
			var callErr error
			if msg.Type == TypeError {
				name, _ := msg.Headers[FieldErrorName].value.(string)
				vs, _ := msg.Values()
				callErr = Error{Name: name, Body: vs}
			} else {
				body, callErr = msg.Values()
			}
			if !conn.calls.complete(serial, body, callErr) {
				Log.WithField("serial", serial).Debug("dbus: reply for unknown serial, discarding")
			}
			conn.releaseSerial(serial)
		case TypeSignal:
			iface, _ := msg.Headers[FieldInterface].value.(string)
			member, _ := msg.Headers[FieldMember].value.(string)
			sender, _ := msg.Headers[FieldSender].value.(string)
			if iface == "org.freedesktop.DBus" && member == "NameLost" && sender == "org.freedesktop.DBus" {
				vs, _ := msg.Values()
				if len(vs) == 1 {
					name, _ := vs[0].(string)
					conn.namesLck.Lock()
					for i, v := range conn.names {
						if v == name {
							conn.names = append(conn.names[:i], conn.names[i+1:]...)
							break
						}
					}
					conn.namesLck.Unlock()
				}
			}
			body, _ := msg.Values()
			signal := &Signal{
				Sender:   sender,
				Path:     msg.Headers[FieldPath].value.(ObjectPath),
				Name:     iface + "." + member,
				Body:     body,
				Sequence: conn.sequences.next(),
			}
			conn.handler.DeliverSignal(iface, member, signal)
		case TypeMethodCall:
			go conn.handleCall(msg)
		}
	}
}

// Names returns the list of all names currently owned by this connection.
// The slice always has at least one element, the connection's unique
// name, first.
func (conn *Conn) Names() []string {
	conn.namesLck.RLock()
	defer conn.namesLck.RUnlock()
	s := make([]string, len(conn.names))
	copy(s, conn.names)
	return s
}

// Object returns the object identified by the given destination name and
// path.
func (conn *Conn) Object(dest string, path ObjectPath) *Object {
	return &Object{connID: registerConn(conn), dest: dest, path: path}
}

// outWorker runs in its own goroutine, encoding and sending messages
// queued on conn.out.
func (conn *Conn) outWorker() {
	for o := range conn.out {
		err := conn.transport.SendMessage(o.msg, o.msg.serial)
		if err != nil && o.call != nil {
			conn.calls.complete(o.msg.serial, nil, err)
		}
		if o.msg.Type != TypeMethodCall || err != nil || o.msg.Flags&FlagNoReplyExpected != 0 {
			conn.releaseSerial(o.msg.serial)
		}
	}
}

// Send queues msg for delivery and, for a TypeMethodCall expecting a
// reply, returns a *Call whose Done channel eventually receives it. ctx,
// if non-nil, bounds how long the call waits before failing with
// ErrTimeout or being abandoned on cancellation.
func (conn *Conn) Send(ctx context.Context, msg *Message) *Call {
	serial := conn.nextSerial()
	msg.serial = serial

	if msg.Type != TypeMethodCall || msg.Flags&FlagNoReplyExpected != 0 {
		conn.out <- outgoing{msg: msg}
		return nil
	}

	dest, _ := msg.Headers[FieldDestination].value.(string)
	path, _ := msg.Headers[FieldPath].value.(ObjectPath)
	iface, _ := msg.Headers[FieldInterface].value.(string)
	member, _ := msg.Headers[FieldMember].value.(string)
	args, _ := msg.Values()

	call := &Call{
		Destination: dest,
		Path:        path,
		Method:      iface + "." + member,
		Args:        args,
		Done:        make(chan *Call, 1),
	}
	if ctx != nil {
		call.ctx, call.ctxCancel = context.WithCancel(ctx)
	}
	conn.calls.insert(serial, call)
	conn.out <- outgoing{msg: msg, call: call}
	return call
}

// sendReply builds and sends the TypeMethodReply that answers the call
// identified by (dest, serial).
func (conn *Conn) sendReply(dest string, serial uint32, values ...interface{}) {
	msg := &Message{Order: nativeEndian, Type: TypeMethodReply}
	msg.Headers = make(map[HeaderField]Variant)
	if dest != "" {
		msg.Headers[FieldDestination] = MakeVariant(dest)
	}
	msg.Headers[FieldReplySerial] = MakeVariant(serial)
	if len(values) > 0 {
		buf := new(bytes.Buffer)
		enc := newEncoder(buf, msg.Order, nil)
		if err := enc.Encode(values...); err != nil {
			conn.sendError(Error{Name: ErrNameInvalidArgs, Body: []interface{}{err.Error()}}, dest, serial)
			return
		}
		msg.Headers[FieldSignature] = MakeVariant(SignatureOf(values...))
		msg.Body = buf.Bytes()
		msg.Fds = fdsFromInts(enc.fds)
	}
	conn.Send(nil, msg)
}

// sendError builds and sends the TypeError reply that answers the call
// identified by (dest, serial) with e.
func (conn *Conn) sendError(e Error, dest string, serial uint32) {
	msg := &Message{Order: nativeEndian, Type: TypeError}
	msg.Headers = make(map[HeaderField]Variant)
	if dest != "" {
		msg.Headers[FieldDestination] = MakeVariant(dest)
	}
	msg.Headers[FieldErrorName] = MakeVariant(e.Name)
	msg.Headers[FieldReplySerial] = MakeVariant(serial)
	if len(e.Body) > 0 {
		buf := new(bytes.Buffer)
		enc := newEncoder(buf, msg.Order, nil)
		if err := enc.Encode(e.Body...); err == nil {
			msg.Headers[FieldSignature] = MakeVariant(SignatureOf(e.Body...))
			msg.Body = buf.Bytes()
		}
	}
	conn.Send(nil, msg)
}

// Signal registers c to receive every signal this connection delivers.
// Calling Signal again with a channel already registered unregisters it
// instead; unlike AddMatchSignal/RemoveMatchSignal, there is no separate
// removal method.
// Delivery never drops a signal or blocks the dispatcher on a slow c: each
// registered channel gets its own unbounded delivery queue.
func (conn *Conn) Signal(c chan<- *Signal) {
	registrar, ok := conn.handler.(SignalRegistrar)
	if !ok {
		return
	}
	conn.signalsMu.Lock()
	defer conn.signalsMu.Unlock()
	for i, existing := range conn.signalChans {
		if existing == c {
			conn.signalChans = append(conn.signalChans[:i], conn.signalChans[i+1:]...)
			registrar.RemoveSignal(c)
			return
		}
	}
	conn.signalChans = append(conn.signalChans, c)
	registrar.AddSignal(c)
}

// SupportsUnixFDs reports whether the underlying transport supports
// passing Unix file descriptors.
func (conn *Conn) SupportsUnixFDs() bool { return conn.transport.SupportsUnixFDs() }

// Error represents a D-Bus message of type Error, returned as the Err of
// a completed Call or RemoteError from a dispatched method.
type Error struct {
	Name string
	Body []interface{}
}

func (e Error) Error() string {
	if len(e.Body) >= 1 {
		if s, ok := e.Body[0].(string); ok {
			return s
		}
	}
	return e.Name
}

// Signal represents a D-Bus message of type Signal. Name is given in
// "interface.member" notation, e.g. org.freedesktop.DBus.NameLost.
type Signal struct {
	Sender   string
	Path     ObjectPath
	Name     string
	Body     []interface{}
	Sequence Sequence
}

var pendingReplyTimeout = 25 * time.Second
