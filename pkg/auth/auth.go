package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal identifies the caller for RBAC and audit attribution.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "sparkgate.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Role returns the caller's first role, or empty.
func (p Principal) Role() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0]
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// Middleware resolves the caller identity per AUTH_MODE.
//
// "header" (the default) trusts X-User and X-User-Role, which is only sound
// behind a gateway that strips those headers from outside traffic.
// "oidc_hs256" verifies a bearer JWT signed with the shared secret.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case "", "header":
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := Principal{Subject: "anonymous"}
				if sub := strings.TrimSpace(r.Header.Get("X-User")); sub != "" {
					p.Subject = sub
				}
				if role := strings.TrimSpace(r.Header.Get("X-User-Role")); role != "" {
					p.Roles = []string{role}
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			})
		}
	case "oidc_hs256":
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				header := strings.TrimSpace(r.Header.Get("Authorization"))
				if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
					http.Error(w, "missing bearer token", http.StatusUnauthorized)
					return
				}
				token := strings.TrimSpace(header[len("Bearer "):])
				claims, err := VerifyHS256Token(token, secret, time.Now().UTC())
				if err != nil {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
					Subject: claims.Sub,
					Roles:   claims.Roles,
				})))
			})
		}
	default:
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unsupported auth mode", http.StatusUnauthorized)
			})
		}
	}
}

type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

func VerifyHS256Token(token, secret string, now time.Time) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		// Tolerate a single string role.
		var loose struct {
			Sub   string `json:"sub"`
			Roles string `json:"roles"`
			Exp   int64  `json:"exp"`
			Nbf   int64  `json:"nbf"`
		}
		if err2 := json.Unmarshal(payloadRaw, &loose); err2 != nil {
			return TokenClaims{}, err
		}
		claims = TokenClaims{Sub: loose.Sub, Exp: loose.Exp, Nbf: loose.Nbf}
		if loose.Roles != "" {
			claims.Roles = []string{loose.Roles}
		}
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	return claims, nil
}
