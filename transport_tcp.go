package dbus

import (
	"bytes"
	"errors"
	"net"
	"strconv"
)

// tcpTransport is a D-Bus transport over a plain TCP connection. It never
// supports Unix file descriptor passing.
type tcpTransport struct {
	*net.TCPConn
}

func newTCPTransport(keys string) (transport, error) {
	host := getKey(keys, "host")
	port := getKey(keys, "port")
	if host == "" || port == "" {
		return nil, errors.New("dbus: invalid address (host or port not set)")
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	if len(addrs) < 1 {
		return nil, errors.New("dbus: invalid address or address not found")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTCP("tcp", nil, &net.TCPAddr{IP: net.ParseIP(addrs[0]), Port: portNum})
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn}, nil
}

func init() {
	transports["tcp"] = newTCPTransport
}

func (t *tcpTransport) SendNullByte() error {
	_, err := t.Write([]byte{0})
	return err
}

func (t *tcpTransport) EnableUnixFDs() {}

func (t *tcpTransport) SupportsUnixFDs() bool { return false }

func (t *tcpTransport) ReadMessage() (*Message, error) {
	frame, err := readFrame(t)
	if err != nil {
		return nil, err
	}
	msg, _, err := DecodeMessage(frame, nil)
	return msg, err
}

func (t *tcpTransport) SendMessage(msg *Message, serial uint32) error {
	if len(msg.Fds) != 0 {
		return errors.New("dbus: unix fd passing not supported over tcp")
	}
	buf := new(bytes.Buffer)
	if err := msg.EncodeTo(buf, serial); err != nil {
		return err
	}
	_, err := t.Write(buf.Bytes())
	return err
}
