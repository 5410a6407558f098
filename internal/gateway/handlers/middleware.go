package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

type Middleware struct {
	apiKey string
}

// NewMiddleware creates the inbound middleware. An empty apiKey disables
// authentication.
func NewMiddleware(apiKey string) *Middleware {
	if apiKey == "" {
		log.Warn("GATEWAY_API_KEY not set, inbound requests are not authenticated")
	}
	return &Middleware{apiKey: apiKey}
}

// AuthMiddleware validates the static gateway API key
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Accept either "Authorization: Bearer <key>" or "x-api-key: <key>"
		key := r.Header.Get("x-api-key")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w, "invalid authorization header format")
				return
			}
			key = strings.TrimSpace(parts[1])
		}
		if key == "" {
			unauthorized(w, "missing authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(m.apiKey)) != 1 {
			unauthorized(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	writeJSON(w, openai.ErrorResponse{Error: &openai.APIError{
		Code:    "invalid_api_key",
		Message: msg,
		Type:    "authentication_error",
	}})
}
