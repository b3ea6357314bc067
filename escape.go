package dbus

import (
	"strconv"
	"strings"
)

// isSafeBusAddressValueByte reports whether b may appear unescaped in a
// D-Bus server address value.
func isSafeBusAddressValueByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	switch b {
	case '-', '_', '/', '\\', '.', '*':
		return true
	}
	return false
}

// EscapeBusAddressValue percent-encodes s for use as a value in a D-Bus
// server address (e.g. the path= component of a unix: address), as defined
// by the D-Bus specification's address escaping rules.
func EscapeBusAddressValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafeBusAddressValueByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		hex := strconv.FormatUint(uint64(c), 16)
		if len(hex) == 1 {
			b.WriteByte('0')
		}
		b.WriteString(hex)
	}
	return b.String()
}

// UnescapeBusAddressValue reverses EscapeBusAddressValue.
func UnescapeBusAddressValue(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", FormatError("truncated escape sequence in bus address value")
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", FormatError("invalid escape sequence in bus address value")
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}
