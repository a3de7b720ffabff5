package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireQuerySecret(t *testing.T) {
	cases := []struct {
		name     string
		expected string
		target   string
		want     int
	}{
		{name: "match", expected: "s3cret", target: "/shipments/webhook?secret=s3cret", want: http.StatusNoContent},
		{name: "mismatch", expected: "s3cret", target: "/shipments/webhook?secret=nope", want: http.StatusUnauthorized},
		{name: "prefix", expected: "s3cret", target: "/shipments/webhook?secret=s3c", want: http.StatusUnauthorized},
		{name: "missing", expected: "s3cret", target: "/shipments/webhook", want: http.StatusUnauthorized},
		{name: "not configured", expected: "", target: "/shipments/webhook?secret=", want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			handler := RequireQuerySecret(tc.expected)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusNoContent)
			}))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tc.target, nil))

			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			if called != (tc.want == http.StatusNoContent) {
				t.Fatalf("unexpected handler invocation: called=%v", called)
			}
		})
	}
}
