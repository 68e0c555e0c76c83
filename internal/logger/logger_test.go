package logger

import (
	"bytes"
	"strings"
	"testing"
)

func withCapture(t *testing.T, f func(buf *bytes.Buffer)) {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	defer SetCategoryFilter(nil)
	defer SetMinLevel(LevelInfo)
	f(&buf)
}

func TestPrintfIncludesCategory(t *testing.T) {
	withCapture(t, func(buf *bytes.Buffer) {
		Printf("startup", "service %s ready", "x")
		out := buf.String()
		if !strings.Contains(out, "startup") {
			t.Errorf("missing category: %q", out)
		}
		if !strings.Contains(out, "service x ready") {
			t.Errorf("missing message: %q", out)
		}
		if !strings.HasSuffix(out, "\n") {
			t.Errorf("missing trailing newline: %q", out)
		}
	})
}

func TestDebugFilteredByDefault(t *testing.T) {
	withCapture(t, func(buf *bytes.Buffer) {
		Printf("debug", "hidden")
		if buf.Len() != 0 {
			t.Errorf("debug line leaked: %q", buf.String())
		}
		SetMinLevel(LevelDebug)
		Printf("debug", "visible")
		if !strings.Contains(buf.String(), "visible") {
			t.Errorf("debug line missing after level change")
		}
	})
}

func TestCategoryFilter(t *testing.T) {
	withCapture(t, func(buf *bytes.Buffer) {
		SetCategoryFilter([]string{"ship"})
		Printf("log", "hidden")
		Printf("ship", "visible")
		Warning("always shown")
		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("filtered category leaked: %q", out)
		}
		if !strings.Contains(out, "visible") {
			t.Errorf("allowed category missing: %q", out)
		}
		if !strings.Contains(out, "always shown") {
			t.Errorf("warnings must bypass the filter: %q", out)
		}
	})
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatBytes(1536); got != "1.5 KB" {
		t.Errorf("FormatBytes = %q", got)
	}
	if got := FormatCount(2_500_000); got != "2.5M" {
		t.Errorf("FormatCount = %q", got)
	}
}
