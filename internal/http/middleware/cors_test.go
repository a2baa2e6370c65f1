package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	const allowed = "https://app.research.dev"

	cases := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantNext    bool
		wantAllow   string
		wantHeaders map[string]string
	}{
		{
			name:       "preflight from allowed origin short-circuits",
			origins:    []string{allowed},
			method:     http.MethodOptions,
			origin:     allowed,
			preflight:  true,
			wantStatus: http.StatusNoContent,
			wantAllow:  allowed,
			wantHeaders: map[string]string{
				"Access-Control-Allow-Methods": http.MethodPost,
				"Access-Control-Allow-Headers": "Last-Event-ID",
				"Access-Control-Max-Age":       "600",
			},
		},
		{
			name:       "origin match ignores case",
			origins:    []string{"HTTPS://APP.RESEARCH.DEV"},
			method:     http.MethodGet,
			origin:     allowed,
			wantStatus: http.StatusOK,
			wantNext:   true,
			wantAllow:  allowed,
			wantHeaders: map[string]string{
				"Access-Control-Expose-Headers": "X-Request-Id",
			},
		},
		{
			name:       "wildcard allows any origin",
			origins:    []string{"*"},
			method:     http.MethodPost,
			origin:     "https://other.example",
			wantStatus: http.StatusOK,
			wantNext:   true,
			wantAllow:  "*",
			wantHeaders: map[string]string{
				"Access-Control-Expose-Headers": "Retry-After",
			},
		},
		{
			name:       "preflight from unknown origin is refused",
			origins:    []string{allowed},
			method:     http.MethodOptions,
			origin:     "https://evil.example",
			preflight:  true,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "request from unknown origin passes without headers",
			origins:    []string{allowed},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "request without origin is untouched",
			origins:    []string{allowed},
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nextCalled := false
			handler := CORS(CORSConfig{AllowedOrigins: tc.origins})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusOK)
			}))

			request := httptest.NewRequest(tc.method, "/v1/research", nil)
			if tc.origin != "" {
				request.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				request.Header.Set("Access-Control-Request-Method", http.MethodPost)
				request.Header.Set("Access-Control-Request-Headers", "authorization,last-event-id")
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			if recorder.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, recorder.Code)
			}
			if nextCalled != tc.wantNext {
				t.Fatalf("expected next called=%v, got %v", tc.wantNext, nextCalled)
			}
			if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("expected allow origin %q, got %q", tc.wantAllow, got)
			}
			for header, fragment := range tc.wantHeaders {
				if got := recorder.Header().Get(header); !strings.Contains(got, fragment) {
					t.Fatalf("expected %s to contain %q, got %q", header, fragment, got)
				}
			}
		})
	}
}
