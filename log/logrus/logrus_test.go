package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/unkn0wn-root/progcache"
)

func TestLoggerFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	boom := errors.New("boom")
	l.Error("pool: work failed", progcache.Fields{"class": "interaction", "err": boom})

	e := hook.LastEntry()
	if e == nil || e.Level != logrus.ErrorLevel || e.Message != "pool: work failed" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Data["component"] != "progcache" || e.Data["class"] != "interaction" {
		t.Fatalf("data=%v", e.Data)
	}
	if e.Data[logrus.ErrorKey] != boom {
		t.Fatalf("error key=%v want boom", e.Data[logrus.ErrorKey])
	}

	l.Debug("no fields", nil)
	if got := len(hook.AllEntries()); got != 2 {
		t.Fatalf("entries=%d want=2", got)
	}
}
