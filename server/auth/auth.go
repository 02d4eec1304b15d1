// Package auth implements the authentication/authorization hooks spec
// §6.6 describes: a single Authenticate func that resolves a request's
// credentials into an Identity, and per-resource×action Authorize calls
// that accept, reject, or narrow a query with a Filter.
package auth

import (
	"context"
	"net/http"
)

// Identity is the resolved caller, returned by Authenticate.
type Identity struct {
	Subject     string
	Permissions []string
}

// Decision is Authorize's verdict for one resource×action check.
type Decision struct {
	// Allowed is false for a hard reject (HTTP 403).
	Allowed bool
	// Filter, when non-nil, narrows the underlying query (e.g. restricting
	// a threads.search call to the caller's own threads) rather than
	// rejecting outright.
	Filter map[string]any
}

// Authenticator verifies incoming credentials and resolves an Identity.
type Authenticator func(ctx context.Context, r *http.Request) (Identity, error)

// Authorizer checks whether identity may perform action on resource,
// matching spec §6.6's action vocabulary (e.g. "threads.create",
// "store.search").
type Authorizer func(ctx context.Context, identity Identity, action string) (Decision, error)

// AllowAll is the permissive default Authorizer: every action is allowed,
// unfiltered. A deployment wires a real Authorizer via server.Config.
func AllowAll(_ context.Context, _ Identity, _ string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// NoAuth is the permissive default Authenticator: every request resolves
// to an anonymous Identity with no permissions. A deployment wires a real
// Authenticator (e.g. bearer-token or mTLS verification) via server.Config.
func NoAuth(_ context.Context, _ *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}
