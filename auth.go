package dbus

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// AuthStatus represents the status returned by an authentication
// mechanism, as defined by the D-Bus authentication protocol.
type AuthStatus byte

const (
	// AuthOk means authentication is finished; the next command from the
	// server should be an OK.
	AuthOk AuthStatus = iota
	// AuthContinue means additional data is needed; the next command from
	// the server should be a DATA.
	AuthContinue
	// AuthError means the server sent invalid data and the current
	// authentication attempt should be aborted.
	AuthError
)

type authState byte

const (
	waitingForData authState = iota
	waitingForOk
	waitingForReject
)

// Auth defines the client side of a single SASL authentication mechanism.
type Auth interface {
	// FirstData returns the mechanism name for the AUTH command, the
	// argument to send with it, and the status to expect next.
	FirstData() (name []byte, resp []byte, status AuthStatus)
	// HandleData processes a DATA command's argument and returns the next
	// argument to send (nil to send none) and the resulting status.
	HandleData(data []byte) (resp []byte, status AuthStatus)
}

func (conn *Conn) auth(methods []Auth) error {
	in := bufio.NewReader(conn.transport)
	if err := conn.transport.SendNullByte(); err != nil {
		return err
	}
	for _, m := range methods {
		name, data, status := m.FirstData()
		if err := authWriteLine(conn.transport, append([]byte("AUTH "), name...), data); err != nil {
			return err
		}
		var ok bool
		var err error
		switch status {
		case AuthOk:
			err, ok = conn.tryAuth(m, waitingForOk, in)
		case AuthContinue:
			err, ok = conn.tryAuth(m, waitingForData, in)
		default:
			return errors.New("dbus: invalid authentication status from mechanism")
		}
		if err != nil {
			return err
		}
		if ok {
			return authWriteLine(conn.transport, []byte("BEGIN"))
		}
	}
	return errors.New("dbus: authentication failed")
}

func (conn *Conn) tryAuth(m Auth, state authState, in *bufio.Reader) (error, bool) {
	for {
		s, err := authReadLine(in)
		if err != nil {
			return err, false
		}
		switch {
		case state == waitingForData && string(s[0]) == "DATA":
			if len(s) != 2 {
				if err := authWriteLine(conn.transport, []byte("ERROR")); err != nil {
					return err, false
				}
				continue
			}
			data, status := m.HandleData(s[1])
			switch status {
			case AuthOk, AuthContinue:
				if len(data) != 0 {
					if err := authWriteLine(conn.transport, []byte("DATA"), data); err != nil {
						return err, false
					}
				}
				if status == AuthOk {
					state = waitingForOk
				}
			case AuthError:
				if err := authWriteLine(conn.transport, []byte("ERROR")); err != nil {
					return err, false
				}
			}
		case state == waitingForData && string(s[0]) == "REJECTED":
			return nil, false
		case state == waitingForData && string(s[0]) == "ERROR":
			if err := authWriteLine(conn.transport, []byte("CANCEL")); err != nil {
				return err, false
			}
			state = waitingForReject
		case state == waitingForData && string(s[0]) == "OK":
			if len(s) != 2 {
				if err := authWriteLine(conn.transport, []byte("CANCEL")); err != nil {
					return err, false
				}
				state = waitingForReject
				continue
			}
			conn.uuid = string(s[1])
			return nil, true
		case state == waitingForData:
			if err := authWriteLine(conn.transport, []byte("ERROR")); err != nil {
				return err, false
			}
		case state == waitingForOk && string(s[0]) == "OK":
			if len(s) != 2 {
				if err := authWriteLine(conn.transport, []byte("CANCEL")); err != nil {
					return err, false
				}
				state = waitingForReject
				continue
			}
			conn.uuid = string(s[1])
			return nil, true
		case state == waitingForOk && string(s[0]) == "REJECTED":
			return nil, false
		case state == waitingForOk && (string(s[0]) == "DATA" || string(s[0]) == "ERROR"):
			if err := authWriteLine(conn.transport, []byte("CANCEL")); err != nil {
				return err, false
			}
			state = waitingForReject
		case state == waitingForOk:
			if err := authWriteLine(conn.transport, []byte("ERROR")); err != nil {
				return err, false
			}
		case state == waitingForReject && string(s[0]) == "REJECTED":
			return nil, false
		case state == waitingForReject:
			return errors.New("dbus: authentication protocol error"), false
		default:
			return errors.New("dbus: invalid authentication state"), false
		}
	}
}

func authReadLine(in *bufio.Reader) ([][]byte, error) {
	data, err := in.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\r\n")
	return bytes.Split(data, []byte{' '}), nil
}

func authWriteLine(out io.Writer, data ...[]byte) error {
	buf := make([]byte, 0)
	for i, v := range data {
		buf = append(buf, v...)
		if i != len(data)-1 {
			buf = append(buf, ' ')
		}
	}
	buf = append(buf, '\r', '\n')
	n, err := out.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ServerAuthStatus represents the status returned by a server-side
// authentication mechanism.
type ServerAuthStatus byte

const (
	ServerAuthOk ServerAuthStatus = iota
	ServerAuthContinue
	ServerAuthRejected
	ServerAuthError
)

// ServerAuth defines the server side of a single SASL authentication
// mechanism.
type ServerAuth interface {
	Name() string
	Supported(tr transport) bool
	HandleAuth(data []byte, tr transport) ([]byte, ServerAuthStatus)
	HandleData(data []byte) ([]byte, ServerAuthStatus)
}
