package wordlist

import (
	"strings"
	"testing"
)

func TestEncodeDecodePGPRoundTrip(t *testing.T) {
	cases := []struct {
		slot int
		pass []byte
		code string
	}{
		{0, []byte{0}, "0-aardvark"},
		{0, []byte{0, 1}, "0-aardvark-adviser"},
		{4, []byte{6}, "4-afflict"},
	}
	for i, c := range cases {
		if code := Encode(c.slot, c.pass); code != c.code {
			t.Errorf("case %d: Encode(%d, %v) = %q, want %q", i, c.slot, c.pass, code, c.code)
		}
		slot, pass := Decode(c.code)
		if slot != c.slot || string(pass) != string(c.pass) {
			t.Errorf("case %d: Decode(%q) = %d,%v want %d,%v", i, c.code, slot, pass, c.slot, c.pass)
		}
	}
}

func TestChooseProducesWellFormedCode(t *testing.T) {
	for n := 1; n <= 4; n++ {
		code, err := Choose(n)
		if err != nil {
			t.Fatalf("Choose(%d): %v", n, err)
		}
		words := strings.Split(code, "-")
		if len(words) != n {
			t.Fatalf("Choose(%d) = %q, want %d words", n, code, n)
		}
		for _, w := range words {
			if w == "" {
				t.Fatalf("Choose(%d) = %q, empty word segment", n, code)
			}
		}
	}
}

func TestCompletePGP(t *testing.T) {
	cases := []struct {
		prefix string
		want   []string
	}{
		{"", nil},
		{"aardvar", []string{"aardvark"}},
		{"zzzzzzzz", nil},
	}
	for i, c := range cases {
		got := Complete(c.prefix)
		if len(got) != len(c.want) {
			t.Fatalf("case %d: Complete(%q) = %v, want %v", i, c.prefix, got, c.want)
		}
		for j := range got {
			if got[j] != c.want[j] {
				t.Fatalf("case %d: Complete(%q)[%d] = %q, want %q", i, c.prefix, j, got[j], c.want[j])
			}
		}
	}
}

func TestCompletePreservesEarlierSegments(t *testing.T) {
	got := Complete("aardvark-adviser")
	for _, w := range got {
		if !strings.HasPrefix(w, "aardvark-") {
			t.Errorf("Complete did not preserve earlier segment: %q", w)
		}
	}
}

func TestMatchFallsBackAcrossEncodings(t *testing.T) {
	if hint := Match(""); hint != "" {
		t.Errorf("Match(\"\") = %q, want empty", hint)
	}
	if hint := Match("zz"); hint != "" {
		t.Errorf("Match(\"zz\") = %q, want empty", hint)
	}
}
