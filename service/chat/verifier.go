package chat

import (
	"context"
	"net/http"
	"strings"

	"ChatGateway/tools/errs"
	"ChatGateway/tools/security"
)

// Identity is the authenticated principal bound to a connection after the
// handshake. Bound exactly once, never reassigned.
type Identity struct {
	UserID        string
	Conversations []string // conversation grants; "*" means any
	Scopes        []string
}

// TokenVerifier validates an opaque credential and returns the identity or a
// typed rejection (errs.ErrToken*, errs.ErrVerifierUnavailable). Bounded by
// the caller's context.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier over HMAC JWTs.
type JWTVerifier struct {
	opts security.Options
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{opts: security.DefaultOptions(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errs.ErrTokenMissing
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.ErrVerifierUnavailable.WithDetail(err.Error())
	}
	tc, err := security.Verify(v.opts, token)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:        tc.UserID,
		Conversations: tc.Conversations,
		Scopes:        tc.Scopes,
	}, nil
}

// ExtractToken pulls the credential out of the handshake metadata: ?token=
// query parameter first, then Authorization: Bearer, then a bare
// authorization header.
func ExtractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
		return authz
	}
	return strings.TrimSpace(r.Header.Get("authorization"))
}
