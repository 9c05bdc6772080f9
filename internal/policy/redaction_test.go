package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIStreetAddress(t *testing.T) {
	out, changed := RedactPII("please deliver to 42 Garden Oak Lane tomorrow")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if out != "please deliver to [REDACTED_ADDRESS] tomorrow" {
		t.Fatalf("out = %q", out)
	}
}

func TestRedactPIILeavesProductTalkAlone(t *testing.T) {
	in := "Is the rose fertilizer good for 3 plants?"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", in, out, changed)
	}
}
