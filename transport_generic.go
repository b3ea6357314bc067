package dbus

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// transports maps a D-Bus address transport prefix ("unix", "tcp", ...) to
// a constructor for it. Concrete transports register themselves here from
// an init() in their own build-tagged file.
var transports = map[string]func(string) (transport, error){}

func getTransport(address string) (transport, error) {
	var err error
	var t transport

	for _, v := range strings.Split(address, ";") {
		i := strings.IndexByte(v, ':')
		if i == -1 {
			err = errors.New("dbus: bad address: no transport")
			continue
		}
		f := transports[v[:i]]
		if f == nil {
			err = errors.New("dbus: bad address: invalid or unsupported transport")
			continue
		}
		t, err = f(v[i+1:])
		if err == nil {
			return t, nil
		}
	}
	return nil, err
}

// getKey gets the value of key from a comma-separated list of key=value
// pairs taken from a D-Bus address. Returns "" on error / not found.
func getKey(s, key string) string {
	i := strings.Index(s, key)
	if i == -1 {
		return ""
	}
	if i+len(key)+1 >= len(s) || s[i+len(key)] != '=' {
		return ""
	}
	j := strings.IndexByte(s[i:], ',')
	if j == -1 {
		return s[i+len(key)+1:]
	}
	return s[i+len(key)+1 : i+j]
}

// genericTransport is a transport backed by a plain io.ReadWriteCloser,
// used for transports (e.g. a generic TCP connection) that never pass
// Unix file descriptors.
type genericTransport struct {
	io.ReadWriteCloser
}

func (t genericTransport) SendNullByte() error {
	_, err := t.Write([]byte{0})
	return err
}

func (t genericTransport) SupportsUnixFDs() bool { return false }

func (t genericTransport) EnableUnixFDs() {}

func (t genericTransport) ReadMessage() (*Message, error) {
	frame, err := readFrame(t)
	if err != nil {
		return nil, err
	}
	msg, _, err := DecodeMessage(frame, nil)
	return msg, err
}

func (t genericTransport) SendMessage(msg *Message, serial uint32) error {
	if len(msg.Fds) != 0 {
		return errors.New("dbus: unix fd passing not enabled on this transport")
	}
	buf := new(bytes.Buffer)
	if err := msg.EncodeTo(buf, serial); err != nil {
		return err
	}
	_, err := t.Write(buf.Bytes())
	return err
}
