package dbus

import (
	"encoding/xml"
	"reflect"
	"sort"
	"strings"
)

const introspectIntro = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Node is the root element of an introspection document.
type Node struct {
	XMLName    xml.Name    `xml:"node"`
	Name       string      `xml:"name,attr,omitempty"`
	Interfaces []Interface `xml:"interface"`
	Children   []Node      `xml:"node"`
}

// String renders n as a D-Bus introspection XML document, including the
// standard doctype header.
func (n *Node) String() string {
	b, err := xml.MarshalIndent(n, "", "  ")
	if err != nil {
		return introspectIntro + "<node/>"
	}
	return introspectIntro + string(b)
}

// Interface describes a D-Bus interface as returned by introspection.
type Interface struct {
	Name        string       `xml:"name,attr"`
	Methods     []Method     `xml:"method"`
	Signals     []SignalDesc `xml:"signal"`
	Properties  []Property   `xml:"property"`
	Annotations []Annotation `xml:"annotation"`
}

// Method describes a method of an Interface.
type Method struct {
	Name        string       `xml:"name,attr"`
	Args        []Arg        `xml:"arg"`
	Annotations []Annotation `xml:"annotation"`
}

// SignalDesc describes a signal emitted on an Interface.
type SignalDesc struct {
	Name        string       `xml:"name,attr"`
	Args        []Arg        `xml:"arg"`
	Annotations []Annotation `xml:"annotation"`
}

// Property describes a property of an Interface.
type Property struct {
	Name        string       `xml:"name,attr"`
	Type        string       `xml:"type,attr"`
	Access      string       `xml:"access,attr"`
	Annotations []Annotation `xml:"annotation"`
}

// Arg represents an argument of a method or signal.
type Arg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

// Annotation is an annotation in the introspection format.
type Annotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

var introspectableInterface = Interface{
	Name: "org.freedesktop.DBus.Introspectable",
	Methods: []Method{
		{Name: "Introspect", Args: []Arg{{Name: "xml", Type: "s", Direction: "out"}}},
	},
}

var peerInterface = Interface{
	Name: "org.freedesktop.DBus.Peer",
	Methods: []Method{
		{Name: "Ping"},
		{Name: "GetMachineId", Args: []Arg{{Name: "machine_uuid", Type: "s", Direction: "out"}}},
	},
}

var propertiesInterface = Interface{
	Name: "org.freedesktop.DBus.Properties",
	Methods: []Method{
		{Name: "Get", Args: []Arg{
			{Name: "interface_name", Type: "s", Direction: "in"},
			{Name: "property_name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "out"},
		}},
		{Name: "Set", Args: []Arg{
			{Name: "interface_name", Type: "s", Direction: "in"},
			{Name: "property_name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "in"},
		}},
		{Name: "GetAll", Args: []Arg{
			{Name: "interface_name", Type: "s", Direction: "in"},
			{Name: "properties", Type: "a{sv}", Direction: "out"},
		}},
	},
	Signals: []SignalDesc{
		{Name: "PropertiesChanged", Args: []Arg{
			{Name: "interface_name", Type: "s"},
			{Name: "changed_properties", Type: "a{sv}"},
			{Name: "invalidated_properties", Type: "as"},
		}},
	},
}

// introspectPath builds the Node describing every interface exported at
// path plus the child paths immediately beneath it.
func (conn *Conn) introspectPath(path ObjectPath) *Node {
	conn.handlersLck.RLock()
	defer conn.handlersLck.RUnlock()

	node := &Node{Name: string(path), Interfaces: []Interface{introspectableInterface, peerInterface}}

	byIface := conn.handlers[path]
	if len(byIface) > 0 {
		names := make([]string, 0, len(byIface))
		for n := range byIface {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			node.Interfaces = append(node.Interfaces, introspectInterface(n, byIface[n]))
		}
	}

	seen := map[string]bool{}
	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	for p := range conn.handlers {
		s := string(p)
		if !strings.HasPrefix(s, prefix) || s == string(path) {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		child := rest
		if i := strings.IndexByte(rest, '/'); i != -1 {
			child = rest[:i]
		}
		if child != "" && !seen[child] {
			seen[child] = true
			node.Children = append(node.Children, Node{Name: child})
		}
	}
	return node
}

func introspectInterface(name string, ei *exportedInterface) Interface {
	iface := Interface{Name: name}
	methodNames := make([]string, 0, len(ei.methods))
	for n := range ei.methods {
		methodNames = append(methodNames, n)
	}
	sort.Strings(methodNames)
	for _, n := range methodNames {
		iface.Methods = append(iface.Methods, Method{Name: n, Args: methodArgs(ei.methods[n].Type())})
	}
	return iface
}

func methodArgs(t reflect.Type) []Arg {
	args := make([]Arg, 0, t.NumIn()+t.NumOut()-1)
	for i := 0; i < t.NumIn(); i++ {
		args = append(args, Arg{Type: SignatureOfType(t.In(i)).String(), Direction: "in"})
	}
	for i := 0; i < t.NumOut()-1; i++ {
		args = append(args, Arg{Type: SignatureOfType(t.Out(i)).String(), Direction: "out"})
	}
	return args
}

// Introspect fetches and parses the Introspect document exposed by dest at
// path.
func (conn *Conn) Introspect(dest string, path ObjectPath) (*Node, error) {
	var xmldata string
	if err := conn.Object(dest, path).Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Store(&xmldata); err != nil {
		return nil, err
	}
	var node Node
	if err := xml.NewDecoder(strings.NewReader(xmldata)).Decode(&node); err != nil {
		return nil, err
	}
	if node.Name == "" {
		node.Name = string(path)
	}
	return &node, nil
}
