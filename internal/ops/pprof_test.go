package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithPprofAuth(t *testing.T) {
	t.Parallel()
	h := WithPprof(Handler(nil, nil), "s3cret")

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/debug/pprof/cmdline", "", http.StatusUnauthorized},
		{"bad query token", "/debug/pprof/cmdline?token=nope", "", http.StatusUnauthorized},
		{"query token", "/debug/pprof/cmdline?token=s3cret", "", http.StatusOK},
		{"bearer", "/debug/pprof/cmdline", "Bearer s3cret", http.StatusOK},
		{"healthz stays open", "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
			}
		})
	}
}
