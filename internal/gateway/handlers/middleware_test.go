package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/capabilities"
	"github.com/tidwall/gjson"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		headers map[string]string
		want    int
	}{
		{"disabled", "", nil, http.StatusTeapot},
		{"bearer", "secret", map[string]string{"Authorization": "Bearer secret"}, http.StatusTeapot},
		{"bearer lowercase scheme", "secret", map[string]string{"Authorization": "bearer secret"}, http.StatusTeapot},
		{"x-api-key", "secret", map[string]string{"x-api-key": "secret"}, http.StatusTeapot},
		{"missing", "secret", nil, http.StatusUnauthorized},
		{"wrong key", "secret", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic scheme", "secret", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"authorization wins over x-api-key", "secret", map[string]string{"Authorization": "Bearer nope", "x-api-key": "secret"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			NewMiddleware(tt.apiKey).AuthMiddleware(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "authentication_error" {
					t.Errorf("error type = %q", got)
				}
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := NewMiddleware("").CORSMiddleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing allow-origin header")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, request should reach the handler", rec.Code)
	}
}

func TestModelsHandler(t *testing.T) {
	caps := capabilities.Default()
	rec := httptest.NewRecorder()
	ModelsHandler(caps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("object").String() != "list" {
		t.Errorf("object = %q", body.Get("object").String())
	}
	ids := body.Get("data.#.id").Array()
	if len(ids) != len(caps.Models()) {
		t.Fatalf("got %d models, want %d", len(ids), len(caps.Models()))
	}
	found := false
	for _, id := range ids {
		if id.String() == "pro-auto" {
			found = true
		}
	}
	if !found {
		t.Error("pro-auto alias should be listed")
	}
}
