package gateway

import (
	"context"
	"net/http"
)

// AuthContext is what the gateway knows about a caller. UserID is asserted by
// the upstream identity layer; APIKey is only set for service callers.
type AuthContext struct {
	UserID string
	APIKey string
}

// Service reports whether the caller presented a configured API key.
func (a *AuthContext) Service() bool {
	return a != nil && a.APIKey != ""
}

// AuthProvider resolves the caller of an HTTP request.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
	// RequireUser returns the calling user's id or an error when absent.
	RequireUser(r *http.Request) (string, error)
	// RequireService rejects callers without a valid API key when keys are configured.
	RequireService(r *http.Request) error
}

type authKey struct{}

func withAuth(r *http.Request, a *AuthContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), authKey{}, a))
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	a, _ := r.Context().Value(authKey{}).(*AuthContext)
	return a
}
