package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const serviceClaimsKey contextKey = "serviceClaims"

// ServiceJWT verifies the HMAC-signed bearer token a sync agent attaches to
// replayed requests. An empty secret disables the check so local development
// can run without credentials.
func ServiceJWT(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := jwt.RegisteredClaims{}
			opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
			if issuer != "" {
				opts = append(opts, jwt.WithIssuer(issuer))
			}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, opts...)
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), serviceClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceClaimsFromContext returns the verified service claims if present.
func ServiceClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(serviceClaimsKey).(jwt.RegisteredClaims)
	return claims, ok
}

// ServiceTokenSigner mints the short-lived tokens ServiceJWT accepts.
type ServiceTokenSigner struct {
	secret  []byte
	issuer  string
	subject string
	ttl     time.Duration
}

// NewServiceTokenSigner returns nil when secret is empty, which callers treat
// as "send no Authorization header".
func NewServiceTokenSigner(secret, issuer, subject string, ttl time.Duration) *ServiceTokenSigner {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ServiceTokenSigner{secret: []byte(secret), issuer: issuer, subject: subject, ttl: ttl}
}

// Sign issues a token valid from now for the signer's TTL.
func (s *ServiceTokenSigner) Sign(now time.Time) (string, error) {
	if s == nil {
		return "", errors.New("middleware: service token signer not configured")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
