package dialer

import (
	"strings"
	"testing"
)

func TestRenderSayTwiML(t *testing.T) {
	out, err := RenderSayTwiML(`Hi "Ada" <O'Brien> & co`)
	if err != nil {
		t.Fatalf("RenderSayTwiML: %v", err)
	}
	for _, want := range []string{"<Response>", `<Say voice="alice">`, "&lt;O&#39;Brien&gt;", "&amp; co", "<Hangup>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRenderSayTwiML_EmptyScriptRejected(t *testing.T) {
	if _, err := RenderSayTwiML("   "); err == nil {
		t.Fatalf("expected error for blank script")
	}
}
