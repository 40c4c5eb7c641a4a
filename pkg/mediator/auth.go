package mediator

import (
	"context"
	"net/http"
)

// Verdict is what the external authentication service returns for one
// request: whether it authenticated at all, a sudo bit, and the access
// tags used for node visibility filtering. The core never implements
// authentication itself — only BasicAuth pass-through to this interface.
type Verdict struct {
	Authenticated bool
	Username      string
	Sudo          bool
	AccessTags    []string
}

// Authenticator delegates to the external auth backend; the core treats
// it as a black box reachable over whatever transport the deployment
// wires in (HTTP call, sidecar, etc).
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Verdict, error)
}

type contextKey string

const verdictContextKey contextKey = "mediator-verdict"

// requireAuth is BasicAuth pass-through to auth: it extracts the
// Authorization header, delegates the verdict, and stores it on the
// request context for handlers to consult for ownership/sudo checks.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="director"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			verdict, err := auth.Authenticate(r.Context(), username, password)
			if err != nil || !verdict.Authenticated {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), verdictContextKey, verdict)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verdictFromContext(r *http.Request) (Verdict, bool) {
	v, ok := r.Context().Value(verdictContextKey).(Verdict)
	return v, ok
}

// StaticUser is one entry of a StaticAuthenticator's fixed user table.
type StaticUser struct {
	Username   string
	Password   string
	Sudo       bool
	AccessTags []string
}

// StaticAuthenticator is a reference Authenticator backed by a fixed,
// in-memory user table loaded from the director's YAML config. It exists
// the same way pkg/connector's ProcessConnector exists — a concrete
// stand-in for an external collaborator (spec §1's "user authentication
// backend") that a real deployment replaces with its own identity
// provider.
type StaticAuthenticator struct {
	users map[string]StaticUser
}

// NewStaticAuthenticator builds a StaticAuthenticator from users.
func NewStaticAuthenticator(users []StaticUser) *StaticAuthenticator {
	byName := make(map[string]StaticUser, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &StaticAuthenticator{users: byName}
}

// Authenticate reports a positive verdict iff username is known and
// password matches exactly; constant-time comparison is left to a real
// identity provider since this type exists only as a development/test
// stand-in.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, username, password string) (Verdict, error) {
	u, ok := a.users[username]
	if !ok || u.Password != password {
		return Verdict{}, nil
	}
	return Verdict{Authenticated: true, Username: u.Username, Sudo: u.Sudo, AccessTags: u.AccessTags}, nil
}
