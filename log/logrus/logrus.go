// Package logrus adapts sirupsen/logrus to progcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/progcache"
)

var _ progcache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every line with component=progcache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "progcache")}
}

func (l Logger) Debug(msg string, f progcache.Fields) { l.entry(f).Debug(msg) }
func (l Logger) Info(msg string, f progcache.Fields)  { l.entry(f).Info(msg) }
func (l Logger) Warn(msg string, f progcache.Fields)  { l.entry(f).Warn(msg) }
func (l Logger) Error(msg string, f progcache.Fields) { l.entry(f).Error(msg) }

// entry moves an "err" error into logrus' own error key.
func (l Logger) entry(f progcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	fields := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			fields[logrus.ErrorKey] = err
			continue
		}
		fields[k] = v
	}
	return l.E.WithFields(fields)
}
