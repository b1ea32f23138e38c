// Package auth verifies the JWT tokens issued by the account service. The
// realtime server accepts a token either as a ?token= query parameter or an
// Authorization: Bearer header during the WebSocket upgrade; connections
// without a valid token are rejected before registration.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loop-social/realtime/internal/identity"
)

// ErrNoToken is returned when a request carries no token at all.
var ErrNoToken = errors.New("auth: no token provided")

// Claims is the token payload issued by the account service.
type Claims struct {
	jwt.RegisteredClaims
	UserID identity.ID `json:"userId"`
}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates a token string and returns the authenticated
// user id.
func (v *Verifier) Verify(tokenString string) (identity.ID, error) {
	if tokenString == "" {
		return 0, ErrNoToken
	}

	claims := Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("auth: invalid token: %w", err)
	}

	if claims.UserID == 0 {
		// Fall back to the registered subject claim for tokens minted before
		// the userId claim existed.
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return 0, errors.New("auth: token has no user id")
		}
		id, err := identity.Parse(sub)
		if err != nil {
			return 0, err
		}
		return id, nil
	}
	return claims.UserID, nil
}

// VerifyRequest extracts the token from an HTTP request (query parameter
// first, then Authorization header) and verifies it.
func (v *Verifier) VerifyRequest(r *http.Request) (identity.ID, error) {
	token := r.URL.Query().Get("token")

	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else {
			token = auth
		}
	}

	return v.Verify(token)
}

// Sign mints a token for the given user, valid for ttl. The REST service uses
// it in tests and local development; production tokens come from the account
// service with the same secret.
func (v *Verifier) Sign(userID identity.ID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	})
	return token.SignedString(v.secret)
}
