// Package zap adapts go.uber.org/zap to progcache.Logger.
package zap

import (
	"sort"
	"time"

	"github.com/unkn0wn-root/progcache"
	"go.uber.org/zap"
)

var _ progcache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names l "progcache"; a nil l logs nothing.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("progcache")}
}

func (z Logger) Debug(msg string, f progcache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f progcache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f progcache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f progcache.Fields) { z.L.Error(msg, fields(f)...) }

// fields keeps key order stable so encoded lines diff cleanly.
func fields(f progcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		case string:
			out = append(out, zap.String(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
