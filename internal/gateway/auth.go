package gateway

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func authorizeBearer(header, expectedToken string) *authError {
	if strings.TrimSpace(expectedToken) == "" {
		return &authError{status: http.StatusInternalServerError, code: "auth_unconfigured", message: "api token is not configured"}
	}
	if header == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing Authorization header"}
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "Authorization header must be a bearer token"}
	}
	if !hmac.Equal([]byte(strings.TrimSpace(parts[1])), []byte(expectedToken)) {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "invalid token"}
	}
	return nil
}
