package observability

import "testing"

func TestMaskReference(t *testing.T) {
	cases := map[string]string{
		"pm_card_visa_4242": "****4242",
		"abc":               "****",
		"":                  "****",
	}
	for input, want := range cases {
		if got := MaskReference(input); got != want {
			t.Fatalf("MaskReference(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizeRouteStripsControlCharacters(t *testing.T) {
	if got := SanitizeRoute("/orders/\x00abc\n"); got != "/orders/abc" {
		t.Fatalf("unexpected sanitized route %q", got)
	}
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected root route, got %q", got)
	}
}
