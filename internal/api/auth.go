package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// callerIdentity is what authentication resolves a request to. There are
// only two tiers in this system (§6/§7): an owner, who may mutate
// detections and trigger reclassification, and a guest, who is read-only
// and subject to the hidden/camera/window visibility rules enforced
// identically across the SSE broadcaster and the media proxy.
type callerIdentity struct {
	IsOwner bool
}

const identityContextKey = "sentinel_identity"

// bearerToken extracts the raw token from either the Authorization header
// or the ?token= query parameter, the latter existing for the SSE endpoint
// (browsers cannot set a header on an EventSource connection).
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get(echo.HeaderAuthorization); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		}
	}
	return r.URL.Query().Get("token")
}

// resolveIdentity decides owner vs guest for a configured secret. Two token
// shapes are accepted: the raw configured secret itself (the simple
// shared-secret deployment, mirroring the NVR's own optional bearer
// pass-through in §6), or a JWT signed with that secret as an HMAC key
// (allowing a token to be minted with an expiry rather than living forever).
// An empty secret means owner-only access has not been configured, so every
// caller is a guest -- there is no way to "fail open" into owner access.
func resolveIdentity(r *http.Request, secret string) callerIdentity {
	if secret == "" {
		return callerIdentity{}
	}
	token := bearerToken(r)
	if token == "" {
		return callerIdentity{}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return callerIdentity{IsOwner: true}
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return callerIdentity{}
	}
	return callerIdentity{IsOwner: true}
}

// requireIdentity resolves the caller and stashes it on the echo context for
// downstream handlers, never rejecting the request itself -- every route
// decides for itself whether a guest may proceed.
func (s *Server) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := resolveIdentity(c.Request(), s.settings().WebServer.BearerToken)
		c.Set(identityContextKey, identity)
		return next(c)
	}
}

func identityFrom(c echo.Context) callerIdentity {
	if v, ok := c.Get(identityContextKey).(callerIdentity); ok {
		return v
	}
	return callerIdentity{}
}

// requireOwner is applied to mutation routes; a non-owner caller is denied
// before any handler logic runs.
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !identityFrom(c).IsOwner {
			return writeError(c, errForbidden("owner authentication required"))
		}
		return next(c)
	}
}
