package dbus

import "github.com/sirupsen/logrus"

// Log is the package-level logger used for diagnostic output the spec
// calls out as "logged, not returned": unknown-serial replies, duplicate
// completion of a pending call, and dispatch-handler panics recovered into
// error replies. Embedding programs may replace it (e.g. Log =
// logrus.StandardLogger() or a configured instance) before dialing.
var Log = defaultLogger()

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}
