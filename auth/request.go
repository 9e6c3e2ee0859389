package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest returns the connection credential of r: the token query
// parameter, or a bearer Authorization header when the query has none.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken strips the Bearer scheme from an Authorization header value.
// Anything else yields "".
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
