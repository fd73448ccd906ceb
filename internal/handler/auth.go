package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/answergrader/internal/i18n"
)

// requireAPIKey rejects requests whose key does not match the configured bcrypt hash.
// The key is read from "Authorization: Bearer <key>" or the "apikey" header.
// With no hash configured every request passes.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	if h.opts.APIKeyHash == "" {
		return next
	}
	hash := []byte(h.opts.APIKeyHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFromRequest(r)
		if key == "" || bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
			slog.Warn("rejected request with bad api key", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: errUnauthorized, Details: appI18n.T(r.Context(), "Unauthorized")})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("apikey"))
}

// HashAPIKey returns the bcrypt hash stored in api-key-hash for key.
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
