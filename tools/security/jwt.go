package security

import (
	stderrors "errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"ChatGateway/tools/errs"
)

// Options controls signing and TTL.
type Options struct {
	Secret []byte        // HMAC key (from ENV/KMS in production)
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token lifetime (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// TokenClaims is the authenticated result of a verified token.
// Conversations carries the conversation grants ("*" means any).
type TokenClaims struct {
	UserID        string
	Conversations []string
	Scopes        []string
	ExpiresAt     time.Time
}

// Generate signs a token for userID with conversation grants and scopes.
func Generate(opts Options, userID string, conversations, scopes []string) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if len(conversations) > 0 {
		claims["conv"] = conversations
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates a token, returning typed gateway errors so the
// dispatcher can map them to distinct close codes.
func Verify(opts Options, token string) (*TokenClaims, error) {
	if token == "" {
		return nil, errs.ErrTokenMissing
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, errs.ErrVerifierUnavailable.WithDetail(err.Error())
	}

	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired
		}
		return nil, errs.ErrTokenInvalid.WithDetail(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrTokenInvalid
	}

	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenInvalid.WithDetail("unexpected claims shape")
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errs.ErrTokenInvalid.WithDetail("missing sub claim")
	}

	tc := &TokenClaims{
		UserID:        sub,
		Conversations: stringSlice(mc["conv"]),
		Scopes:        stringSlice(mc["scope"]),
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Time
	}
	return tc, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	}
	return nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch alg {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	}
	return nil, fmt.Errorf("unsupported alg: %s", alg)
}
