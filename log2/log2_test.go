package log2

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	buf := bytes.Buffer{}
	lg := NewWriter(&buf, LInfo)
	lg.SetFlags(0)
	lg.Debugf("hidden %d", 1)
	lg.Infof("visible %d", 2)
	lg.SetLevel(LDebug)
	lg.Debugf("now visible %d", 3)
	s := buf.String()
	if strings.Contains(s, "hidden") {
		t.Errorf("debug line leaked below level: %q", s)
	}
	if !strings.Contains(s, "visible 2") || !strings.Contains(s, "now visible 3") {
		t.Errorf("expected lines missing: %q", s)
	}
}

func TestNilSafe(t *testing.T) {
	t.Parallel()
	var lg *Log
	lg.Errorf("must not panic")
	lg.SetLevel(LDebug)
	if lg.Enabled(LError) {
		t.Error("nil logger reports enabled")
	}
	if lg.Clone(LInfo) != nil {
		t.Error("nil clone must stay nil")
	}
}
