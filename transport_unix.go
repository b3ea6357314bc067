//go:build !windows && !solaris
// +build !windows,!solaris

package dbus

import (
	"bytes"
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// oobReader wraps a unix socket, gathering out-of-band (SCM_RIGHTS)
// control data across however many Read calls a single frame takes.
type oobReader struct {
	conn *net.UnixConn
	oob  []byte
	buf  [4096]byte
}

func (o *oobReader) Read(b []byte) (n int, err error) {
	n, oobn, flags, _, err := o.conn.ReadMsgUnix(b, o.buf[:])
	if err != nil {
		return n, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, errors.New("dbus: control data truncated (too many fds received)")
	}
	o.oob = append(o.oob, o.buf[:oobn]...)
	return n, nil
}

type unixTransport struct {
	*net.UnixConn
	hasUnixFDs bool
	hasPeerUid bool
	peerUid    uint32
}

func newUnixTransport(keys string) (transport, error) {
	var err error
	t := new(unixTransport)
	abstract := getKey(keys, "abstract")
	path := getKey(keys, "path")
	switch {
	case abstract == "" && path == "":
		return nil, errors.New("dbus: invalid address (neither path nor abstract set)")
	case abstract != "" && path == "":
		t.UnixConn, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: "@" + abstract, Net: "unix"})
		return t, err
	case abstract == "" && path != "":
		t.UnixConn, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		return t, err
	default:
		return nil, errors.New("dbus: invalid address (both path and abstract set)")
	}
}

func init() {
	transports["unix"] = newUnixTransport
}

func (t *unixTransport) EnableUnixFDs() { t.hasUnixFDs = true }

func (t *unixTransport) SupportsUnixFDs() bool { return true }

func (t *unixTransport) ReadMessage() (*Message, error) {
	rdr := &oobReader{conn: t.UnixConn}
	frame, err := readFrame(rdr)
	if err != nil {
		return nil, err
	}

	var fds []UnixFD
	if len(rdr.oob) != 0 {
		if !t.hasUnixFDs {
			return nil, errors.New("dbus: got unix fds on unsupported transport")
		}
		scms, err := unix.ParseSocketControlMessage(rdr.oob)
		if err != nil {
			return nil, err
		}
		if len(scms) != 1 {
			return nil, errors.New("dbus: received more than one socket control message")
		}
		rawFds, err := unix.ParseUnixRights(&scms[0])
		if err != nil {
			return nil, err
		}
		fds = make([]UnixFD, len(rawFds))
		for i, fd := range rawFds {
			fds[i] = UnixFD(fd)
		}
	}

	msg, _, err := DecodeMessage(frame, fds)
	return msg, err
}

func (t *unixTransport) SendMessage(msg *Message, serial uint32) error {
	buf := new(bytes.Buffer)
	if err := msg.EncodeTo(buf, serial); err != nil {
		return err
	}
	if len(msg.Fds) == 0 {
		_, err := t.Write(buf.Bytes())
		return err
	}
	if !t.hasUnixFDs {
		return errors.New("dbus: unix fd passing not enabled")
	}
	rawFds := make([]int, len(msg.Fds))
	for i, fd := range msg.Fds {
		rawFds[i] = int(fd)
	}
	oob := syscall.UnixRights(rawFds...)
	n, oobn, err := t.UnixConn.WriteMsgUnix(buf.Bytes(), oob, nil)
	if err != nil {
		return err
	}
	if n != buf.Len() || oobn != len(oob) {
		return errors.New("dbus: short write")
	}
	return nil
}
