// Package prop provides the Properties type, an implementation of
// org.freedesktop.DBus.Properties that exported objects can use to serve
// reflection-free property storage.
package prop

import (
	"sync"

	"github.com/oriocha/godbus"
)

// EmitType controls how org.freedesktop.DBus.Properties.PropertiesChanged
// is emitted when a property changes. EmitTrue discloses the new value;
// EmitInvalidates announces only that it changed; EmitFalse emits nothing.
type EmitType byte

const (
	EmitFalse EmitType = iota
	EmitTrue
	EmitInvalidates
)

var (
	// ErrIfaceNotFound is returned for Get/Set/GetAll calls naming an
	// interface this Properties value was not built with.
	ErrIfaceNotFound = &dbus.Error{Name: "org.freedesktop.DBus.Properties.Error.InterfaceNotFound"}
	// ErrPropNotFound is returned for Get/Set calls naming an unknown
	// property.
	ErrPropNotFound = &dbus.Error{Name: "org.freedesktop.DBus.Properties.Error.PropertyNotFound"}
	// ErrReadOnly is returned by Set for a non-writable property.
	ErrReadOnly = &dbus.Error{Name: "org.freedesktop.DBus.Properties.Error.ReadOnly"}
	// ErrInvalidType is returned by Set when the new value's signature
	// doesn't match the property's.
	ErrInvalidType = &dbus.Error{Name: "org.freedesktop.DBus.Properties.Error.InvalidType"}
)

// Prop describes one property: its current value, whether Set may change
// it, how changes are announced, and an optional channel that receives
// every value Set accepts.
type Prop struct {
	Value    interface{}
	Writable bool
	Emit     EmitType
	Chan     chan interface{}
}

// Properties implements org.freedesktop.DBus.Properties for a set of
// interfaces, exported on a single object path. It is safe for concurrent
// use.
type Properties struct {
	mut  sync.RWMutex
	m    map[string]map[string]*Prop
	conn *dbus.Conn
	path dbus.ObjectPath
}

// New builds a Properties value serving props (keyed first by interface
// name, then by property name) and exports it as
// org.freedesktop.DBus.Properties on path.
func New(conn *dbus.Conn, path dbus.ObjectPath, props map[string]map[string]*Prop) *Properties {
	p := &Properties{m: props, conn: conn, path: path}
	conn.Export(p, path, "org.freedesktop.DBus.Properties")
	return p
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (p *Properties) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	p.mut.RLock()
	defer p.mut.RUnlock()
	m, ok := p.m[iface]
	if !ok {
		return dbus.Variant{}, ErrIfaceNotFound
	}
	prop, ok := m[property]
	if !ok {
		return dbus.Variant{}, ErrPropNotFound
	}
	return dbus.MakeVariant(prop.Value), nil
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (p *Properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	p.mut.RLock()
	defer p.mut.RUnlock()
	m, ok := p.m[iface]
	if !ok {
		return nil, ErrIfaceNotFound
	}
	rm := make(map[string]dbus.Variant, len(m))
	for k, v := range m {
		rm[k] = dbus.MakeVariant(v.Value)
	}
	return rm, nil
}

// Set implements org.freedesktop.DBus.Properties.Set.
func (p *Properties) Set(iface, property string, newv dbus.Variant) *dbus.Error {
	p.mut.Lock()
	defer p.mut.Unlock()
	m, ok := p.m[iface]
	if !ok {
		return ErrIfaceNotFound
	}
	prop, ok := m[property]
	if !ok {
		return ErrPropNotFound
	}
	if !prop.Writable {
		return ErrReadOnly
	}
	if dbus.SignatureOf(prop.Value) != newv.Signature() {
		return ErrInvalidType
	}
	p.set(iface, property, newv.Value())
	if prop.Chan != nil {
		prop.Chan <- newv.Value()
	}
	return nil
}

// GetMust returns the value of the given property, panicking if the
// interface or property name is unknown.
func (p *Properties) GetMust(iface, property string) interface{} {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return p.m[iface][property].Value
}

// SetMust sets the given property, panicking if the interface or property
// name is unknown or v's signature doesn't match the property's current
// value.
func (p *Properties) SetMust(iface, property string, v interface{}) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if dbus.SignatureOf(p.m[iface][property].Value) != dbus.SignatureOf(v) {
		panic(ErrInvalidType)
	}
	p.set(iface, property, v)
}

// set stores v and emits PropertiesChanged per the property's EmitType.
// p.mut must already be held.
func (p *Properties) set(iface, property string, v interface{}) {
	prop := p.m[iface][property]
	prop.Value = v
	switch prop.Emit {
	case EmitFalse:
	case EmitInvalidates:
		p.conn.Emit(p.path, "org.freedesktop.DBus.Properties.PropertiesChanged",
			iface, map[string]dbus.Variant{}, []string{property})
	case EmitTrue:
		p.conn.Emit(p.path, "org.freedesktop.DBus.Properties.PropertiesChanged",
			iface, map[string]dbus.Variant{property: dbus.MakeVariant(v)}, []string{})
	default:
		panic("prop: invalid EmitType")
	}
}

// Introspection returns introspection Property descriptors for iface,
// suitable for splicing into a hand-built dbus.Interface.
func (p *Properties) Introspection(iface string) []dbus.Property {
	p.mut.RLock()
	defer p.mut.RUnlock()
	m := p.m[iface]
	s := make([]dbus.Property, 0, len(m))
	for name, prop := range m {
		access := "read"
		if prop.Writable {
			access = "readwrite"
		}
		s = append(s, dbus.Property{Name: name, Type: dbus.SignatureOf(prop.Value).String(), Access: access})
	}
	return s
}
