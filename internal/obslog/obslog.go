// Package obslog adapts github.com/sirupsen/logrus to the tftp.Logger
// interface, generalizing the teacher's injectable
// var Log = func(string, ...interface{}) {} sink into something that
// can carry structured fields (like a transfer's correlation id)
// without every call site formatting them into the message by hand.
package obslog

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/lbhzy/tftpd/internal/tftp"
)

// Logger wraps a *logrus.Entry so it satisfies tftp.Logger.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to out at the given level (any name
// logrus.ParseLevel accepts, e.g. "debug", "info", "warn", "error";
// a name it rejects defaults to "info").
func New(out io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithField returns a Logger whose output lines carry an extra field,
// used to stamp every line of a transfer with its correlation id. It
// satisfies tftp.FieldLogger.
func (l *Logger) WithField(key string, value interface{}) tftp.Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

var _ tftp.FieldLogger = (*Logger)(nil)

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
