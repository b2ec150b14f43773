package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// authHandler wraps okHandler with the auth middleware of a Server
// configured with apiKey.
func authHandler(apiKey string) http.Handler {
	s := &Server{cfg: &Config{APIKey: apiKey}}
	return s.authMiddleware(okHandler)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{"auth disabled", "", "", http.StatusOK},
		{"auth disabled ignores header", "", "Bearer anything", http.StatusOK},
		{"wrong token", "secret", "Bearer wrong-token", http.StatusUnauthorized},
		{"correct token", "secret", "Bearer secret", http.StatusOK},
		{"lowercase scheme", "secret", "bearer secret", http.StatusOK},
		{"basic auth rejected", "secret", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"token prefix is not enough", "secret", "Bearer secret-but-longer", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for _, path := range []string{"/api/documents", "/api/troubleshooting"} {
				req := httptest.NewRequest(http.MethodPost, path, nil)
				if tc.header != "" {
					req.Header.Set("Authorization", tc.header)
				}
				w := httptest.NewRecorder()
				authHandler(tc.apiKey).ServeHTTP(w, req)
				if w.Code != tc.want {
					t.Errorf("%s: got %d, want %d", path, w.Code, tc.want)
				}
			}
		})
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	authHandler("secret").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/documents", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header on 401")
	}
	if body := decodeError(t, w); body.StatusCode != http.StatusUnauthorized || body.Message != "authorization required" {
		t.Errorf("envelope: %+v", body)
	}
}

// TestBearerToken verifies the bearerToken extraction helper.
func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
		{"token only", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got := bearerToken(req)
		if got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
