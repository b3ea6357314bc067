package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"strconv"

)

const protoVersion byte = 1

// Flags represents the possible flags of a D-Bus message.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the caller does not want a reply
	// to a method call; the peer must not send one.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart instructs the bus not to launch an owner for the
	// destination name if it is not currently running.
	FlagNoAutoStart
	// FlagAllowInteractiveAuth permits the peer to prompt the user for
	// authorization (e.g. polkit) before servicing the call.
	FlagAllowInteractiveAuth
)

const knownFlags = FlagNoReplyExpected | FlagNoAutoStart | FlagAllowInteractiveAuth

// Type represents the possible types of a D-Bus message.
type Type byte

const (
	TypeMethodCall Type = 1 + iota
	TypeMethodReply
	TypeError
	TypeSignal
	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method call"
	case TypeMethodReply:
		return "reply"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return "invalid"
}

// HeaderField represents the possible byte codes for the headers of a
// D-Bus message.
type HeaderField byte

const (
	FieldPath HeaderField = 1 + iota
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFds
	fieldMax
)

// An InvalidMessageError describes the reason why a D-Bus message is
// regarded as invalid.
type InvalidMessageError string

func (e InvalidMessageError) Error() string { return "dbus: invalid message: " + string(e) }

var fieldTypes = map[HeaderField]reflect.Type{
	FieldPath:        objectPathType,
	FieldInterface:   stringType,
	FieldMember:      stringType,
	FieldErrorName:   stringType,
	FieldReplySerial: uint32Type,
	FieldDestination: stringType,
	FieldSender:      stringType,
	FieldSignature:   signatureType,
	FieldUnixFds:     uint32Type,
}

var requiredFields = map[Type][]HeaderField{
	TypeMethodCall:  {FieldPath, FieldMember},
	TypeMethodReply: {FieldReplySerial},
	TypeError:       {FieldErrorName, FieldReplySerial},
	TypeSignal:      {FieldPath, FieldInterface, FieldMember},
}

// Message represents a single D-Bus message: a call, a reply, an error or
// a signal. The zero value is not valid; build one with NewCallMessage or
// NewSignalMessage, or derive a reply/error from an inbound call with
// CreateReply/CreateError.
type Message struct {
	// Order must be binary.BigEndian or binary.LittleEndian.
	Order binary.ByteOrder

	Type
	Flags
	serial  uint32
	invalid bool
	Headers map[HeaderField]Variant
	Body    []byte

	// Fds holds the out-of-band file descriptor table; wire-level
	// UnixFDIndex values are positions into it.
	Fds []UnixFD
}

// NewCallMessage builds a TypeMethodCall message. dest and iface may be
// left empty; path and member are required for the result to be valid.
func NewCallMessage(dest string, path ObjectPath, iface, member string) *Message {
	msg := &Message{Order: binary.LittleEndian, Type: TypeMethodCall}
	msg.Headers = make(map[HeaderField]Variant)
	msg.Headers[FieldPath] = MakeVariant(path)
	msg.Headers[FieldMember] = MakeVariant(member)
	if dest != "" {
		msg.Headers[FieldDestination] = MakeVariant(dest)
	}
	if iface != "" {
		msg.Headers[FieldInterface] = MakeVariant(iface)
	}
	return msg
}

// NewSignalMessage builds a TypeSignal message.
func NewSignalMessage(path ObjectPath, iface, member string) *Message {
	msg := &Message{Order: binary.LittleEndian, Type: TypeSignal}
	msg.Headers = make(map[HeaderField]Variant)
	msg.Headers[FieldPath] = MakeVariant(path)
	msg.Headers[FieldInterface] = MakeVariant(iface)
	msg.Headers[FieldMember] = MakeVariant(member)
	return msg
}

// setBody encodes args as msg's body, setting the Signature header and Fds
// table to match.
func (msg *Message) setBody(args ...interface{}) error {
	buf := new(bytes.Buffer)
	enc := newEncoder(buf, msg.Order, nil)
	if err := enc.Encode(args...); err != nil {
		return err
	}
	msg.Headers[FieldSignature] = MakeVariant(SignatureOf(args...))
	msg.Body = buf.Bytes()
	msg.Fds = fdsFromInts(enc.fds)
	return nil
}

// CreateReply builds the TypeMethodReply that answers msg, which must be a
// TypeMethodCall. ReplySerial and Destination are copied from the call. If
// the call carried FlagNoReplyExpected, the result is invalidated: any
// send operation on it is a silent no-op, since the caller asked not to be
// answered.
func (msg *Message) CreateReply(args ...interface{}) *Message {
	reply := &Message{Order: msg.Order, Type: TypeMethodReply}
	reply.Headers = make(map[HeaderField]Variant)
	reply.Headers[FieldReplySerial] = MakeVariant(msg.serial)
	if sender, ok := msg.Headers[FieldSender]; ok {
		reply.Headers[FieldDestination] = sender
	}
	if len(args) > 0 {
		buf := new(bytes.Buffer)
		enc := newEncoder(buf, reply.Order, nil)
		if err := enc.Encode(args...); err != nil {
			reply.invalidate()
			return reply
		}
		reply.Headers[FieldSignature] = MakeVariant(SignatureOf(args...))
		reply.Body = buf.Bytes()
		reply.Fds = fdsFromInts(enc.fds)
	}
	if msg.Flags&FlagNoReplyExpected != 0 {
		reply.invalidate()
	}
	return reply
}

// CreateError builds the TypeError reply that answers msg with the given
// error name and optional human-readable text as its sole body argument.
// Like CreateReply, it is invalidated if msg carried FlagNoReplyExpected.
func (msg *Message) CreateError(name string, text string) *Message {
	reply := &Message{Order: msg.Order, Type: TypeError}
	reply.Headers = make(map[HeaderField]Variant)
	reply.Headers[FieldReplySerial] = MakeVariant(msg.serial)
	reply.Headers[FieldErrorName] = MakeVariant(name)
	if sender, ok := msg.Headers[FieldSender]; ok {
		reply.Headers[FieldDestination] = sender
	}
	if text != "" {
		buf := new(bytes.Buffer)
		enc := newEncoder(buf, reply.Order, nil)
		_ = enc.Encode(text)
		reply.Headers[FieldSignature] = MakeVariant(SignatureOf(text))
		reply.Body = buf.Bytes()
	}
	if msg.Flags&FlagNoReplyExpected != 0 {
		reply.invalidate()
	}
	return reply
}

// ExpectsReply reports whether the sender of msg, a TypeMethodCall, wants
// a reply.
func (msg *Message) ExpectsReply() bool {
	return msg.Flags&FlagNoReplyExpected == 0
}

// invalidate marks msg as not-for-send.
func (msg *Message) invalidate() { msg.invalid = true }

// Valid reports whether msg has not been invalidated.
func (msg *Message) Valid() bool { return !msg.invalid }

// isValidHeaderName reports whether s could plausibly be a member name: it
// is more permissive than isValidMember since some callers stash a dotted
// "interface.member" string in the Member header field.
func isValidHeaderName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, c := range s {
		if !isMemberChar(c) && c != '.' {
			return false
		}
	}
	return true
}

// validateHeader checks whether msg's type, flags and header fields form a
// well-formed message, returning the first defect found as an
// InvalidMessageError.
func (msg *Message) validateHeader() error {
	if msg.Flags&^knownFlags != 0 {
		return InvalidMessageError("invalid flags")
	}
	if msg.Type == 0 || msg.Type >= typeMax {
		return InvalidMessageError("invalid message type")
	}
	for k, v := range msg.Headers {
		if k == 0 || k >= fieldMax {
			return InvalidMessageError("invalid header")
		}
		if reflect.TypeOf(v.value) != fieldTypes[k] {
			return InvalidMessageError("invalid type of header field")
		}
	}
	for _, f := range requiredFields[msg.Type] {
		if _, ok := msg.Headers[f]; !ok {
			return InvalidMessageError("missing required header")
		}
	}
	if path, ok := msg.Headers[FieldPath]; ok {
		p, ok := path.value.(ObjectPath)
		if !ok || !p.IsValid() {
			return InvalidMessageError("invalid path name")
		}
	}
	if member, ok := msg.Headers[FieldMember]; ok {
		m, ok := member.value.(string)
		if !ok || !isValidHeaderName(m) {
			return InvalidMessageError("invalid member name")
		}
	}
	if iface, ok := msg.Headers[FieldInterface]; ok {
		i, ok := iface.value.(string)
		if !ok || !isValidInterface(i) {
			return InvalidMessageError("invalid interface name")
		}
	}
	if msg.Type == TypeError {
		if name, ok := msg.Headers[FieldErrorName]; ok {
			n, ok := name.value.(string)
			if !ok || !isValidInterface(n) {
				return InvalidMessageError("invalid error name")
			}
		}
	}
	if len(msg.Body) != 0 {
		if _, ok := msg.Headers[FieldSignature]; !ok {
			return InvalidMessageError("missing signature")
		}
	}
	if fds, ok := msg.Headers[FieldUnixFds]; ok {
		if n, ok := fds.value.(uint32); ok && int(n) != len(msg.Fds) {
			return InvalidMessageError("UnixFds header does not match fd table length")
		}
	}
	return nil
}

type header struct {
	HeaderField
	Variant
}

// EncodeTo serializes msg, assigning it serial, and appends the resulting
// frame to out. Invalidated messages are a silent no-op. It returns
// FormatError if the serialized size would exceed the wire maximum.
func (msg *Message) EncodeTo(out *bytes.Buffer, serial uint32) error {
	if msg.invalid {
		return nil
	}
	msg.serial = serial
	if err := msg.validateHeader(); err != nil {
		return err
	}
	if msg.serial == 0 {
		return InvalidMessageError("serial must be nonzero at the wire")
	}
	if len(msg.Fds) != 0 {
		msg.Headers[FieldUnixFds] = MakeVariant(uint32(len(msg.Fds)))
	}

	headers := make([]header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, header{k, v})
	}

	fixed := new(bytes.Buffer)
	switch msg.Order {
	case binary.LittleEndian:
		fixed.WriteByte('l')
	case binary.BigEndian:
		fixed.WriteByte('B')
	}
	enc := newEncoder(fixed, msg.Order, nil)
	enc.pos = 1
	if err := enc.Encode(byte(msg.Type), byte(msg.Flags), protoVersion, uint32(len(msg.Body)), msg.serial); err != nil {
		return err
	}
	if err := enc.Encode(headers); err != nil {
		return err
	}
	enc.align(8)

	if fixed.Len()+len(msg.Body) > maxMessageLength {
		return FormatError("message exceeds maximum size")
	}
	out.Write(fixed.Bytes())
	out.Write(msg.Body)
	return nil
}

// DecodeMessage reads a single frame from data, honoring fds as the
// out-of-band descriptor table for any UnixFDIndex values in the body. It
// returns the Message and the number of bytes of data consumed from the
// front of the buffer.
func DecodeMessage(data []byte, fds []UnixFD) (msg *Message, consumed int, err error) {
	if len(data) < 1 {
		return nil, 0, FormatError("input too short (unexpected EOF)")
	}
	var order binary.ByteOrder
	switch data[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, 0, InvalidMessageError("invalid byte order")
	}

	r := bytes.NewReader(data[1:])
	dec := newDecoder(r, order, fds)
	dec.pos = 1

	var typ, flags, proto byte
	var length uint32
	var serial uint32
	var headers []header
	if err := dec.DecodeMulti(&typ, &flags, &proto, &length, &serial, &headers); err != nil {
		return nil, 0, err
	}
	if proto != protoVersion {
		return nil, 0, InvalidMessageError("unsupported protocol major version")
	}
	if length > maxMessageLength {
		return nil, 0, FormatError("declared body length exceeds maximum message size")
	}

	dec.align(8)
	if dec.pos+int(length) > len(data) {
		return nil, 0, FormatError("declared body length exceeds available data")
	}

	msg = new(Message)
	msg.Order = order
	msg.Type = Type(typ)
	msg.Flags = Flags(flags)
	msg.serial = serial
	msg.Headers = make(map[HeaderField]Variant, len(headers))
	for _, h := range headers {
		msg.Headers[h.HeaderField] = h.Variant
	}
	msg.Body = append([]byte(nil), data[dec.pos:dec.pos+int(length)]...)
	msg.Fds = fds

	if err := msg.validateHeader(); err != nil {
		return nil, 0, err
	}
	return msg, dec.pos + int(length), nil
}

// Serial returns the serial number assigned to msg, or 0 if it has not
// been sent yet.
func (msg *Message) Serial() uint32 { return msg.serial }

// Signature returns the signature of msg's body.
func (msg *Message) Signature() Signature {
	sig, _ := msg.Headers[FieldSignature].value.(Signature)
	return sig
}

// Values decodes and returns the body of msg according to its declared
// signature.
func (msg *Message) Values() ([]interface{}, error) {
	sig := msg.Signature()
	if sig.Empty() {
		return nil, nil
	}
	rvs := sig.Values()
	dec := newDecoder(bytes.NewReader(msg.Body), msg.Order, msg.Fds)
	if err := dec.DecodeMulti(rvs...); err != nil {
		return nil, err
	}
	return dereferenceAll(rvs), nil
}

// String returns a string representation of msg similar to the format of
// dbus-monitor.
func (msg *Message) String() string {
	if err := msg.validateHeader(); err != nil {
		return "<invalid>"
	}
	s := msg.Type.String()
	if v, ok := msg.Headers[FieldSender]; ok {
		s += " from " + v.value.(string)
	}
	if v, ok := msg.Headers[FieldDestination]; ok {
		s += " to " + v.value.(string)
	} else {
		s += " to <null>"
	}
	s += " serial " + strconv.FormatUint(uint64(msg.serial), 10)
	if v, ok := msg.Headers[FieldPath]; ok {
		s += " path " + string(v.value.(ObjectPath))
	}
	if v, ok := msg.Headers[FieldInterface]; ok {
		s += " interface " + v.value.(string)
	}
	if v, ok := msg.Headers[FieldErrorName]; ok {
		s += " name " + v.value.(string)
	}
	if v, ok := msg.Headers[FieldMember]; ok {
		s += " member " + v.value.(string)
	}
	if vs, err := msg.Values(); err == nil && len(vs) > 0 {
		for _, v := range vs {
			s += "\n  " + fmt.Sprint(v)
		}
	}
	return s
}

// readFrame reads one complete, self-delimiting D-Bus frame from r (the
// 12-byte fixed header plus the 4-byte header array length, the header
// array, its padding to an 8-byte
// boundary, and the body) without trying to interpret its contents beyond
// what is needed to know how many bytes to read. It is shared by every
// transport's ReadMessage.
func readFrame(r io.Reader) ([]byte, error) {
	fixed := make([]byte, 16)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch fixed[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, InvalidMessageError("invalid byte order")
	}
	bodyLen := order.Uint32(fixed[4:8])
	headerLen := order.Uint32(fixed[12:16])
	if uint64(bodyLen) > maxMessageLength || uint64(headerLen) > maxMessageLength {
		return nil, FormatError("declared length exceeds maximum message size")
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}
	pos := 16 + int(headerLen)
	pad := (8 - pos%8) % 8
	padBuf := make([]byte, pad)
	if pad > 0 {
		if _, err := io.ReadFull(r, padBuf); err != nil {
			return nil, err
		}
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	total := pos + pad + int(bodyLen)
	if total > maxMessageLength {
		return nil, FormatError("message exceeds maximum size")
	}
	frame := make([]byte, 0, total)
	frame = append(frame, fixed...)
	frame = append(frame, headerBuf...)
	frame = append(frame, padBuf...)
	frame = append(frame, body...)
	return frame, nil
}

func fdsFromInts(fds []int) []UnixFD {
	if len(fds) == 0 {
		return nil
	}
	out := make([]UnixFD, len(fds))
	for i, fd := range fds {
		out[i] = UnixFD(fd)
	}
	return out
}

// dereferenceAll returns a slice that, assuming vs is a slice of pointers
// of arbitrary types, contains the values obtained by dereferencing them.
func dereferenceAll(vs []interface{}) []interface{} {
	for i := range vs {
		v := reflect.ValueOf(vs[i])
		v = v.Elem()
		vs[i] = v.Interface()
	}
	return vs
}
