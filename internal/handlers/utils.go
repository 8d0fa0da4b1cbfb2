package handlers

import (
	"net/http"
	"strings"
)

// tokenCookie is the cookie browsers may carry the store credential in.
const tokenCookie = "store_token"

// bearerToken reads the connection credential from the Authorization header,
// then the store_token cookie, then the token query parameter for clients
// that can set neither.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if token := extractCookieToken(r.Header.Get("Cookie"), tokenCookie); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}
