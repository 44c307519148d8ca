package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/store"
)

const defaultJWTTTL = time.Hour

// Authenticator resolves the metadata headers of a call into the caller's
// user record. Static bearer tokens are compared against their bcrypt
// hash; signed tokens are HS256 JWTs issued by the login endpoint.
type Authenticator struct {
	store     store.Store
	jwtSecret []byte
	clock     core.Clock
}

func NewAuthenticator(s store.Store, jwtSecret []byte, clock core.Clock) *Authenticator {
	return &Authenticator{store: s, jwtSecret: jwtSecret, clock: clock}
}

// NewToken generates a fresh static bearer token and its bcrypt hash.
// The plaintext is returned to the caller exactly once.
func NewToken() (plaintext, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plaintext = base64.URLEncoding.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return plaintext, string(h), nil
}

// Authenticate extracts credentials once per call and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request) (*core.User, *api.Error) {
	userID := r.Header.Get(api.HeaderUserID)
	if userID == "" {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "missing " + api.HeaderUserID}
	}

	if signed := r.Header.Get(api.HeaderJWT); signed != "" {
		return a.authenticateJWT(r.Context(), userID, signed)
	}

	token := r.Header.Get(api.HeaderAccessToken)
	if token == "" {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "missing credentials"}
	}
	u, err := a.store.GetUser(r.Context(), userID)
	if errors.Is(err, core.ErrUserNotFound) {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "unknown user"}
	}
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	if bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(token)) != nil {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "bad token"}
	}
	return u, nil
}

func (a *Authenticator) authenticateJWT(ctx context.Context, userID, signed string) (*core.User, *api.Error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(a.clock.Now))
	if err != nil || !tok.Valid {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "bad signed token"}
	}
	if claims.Subject != userID {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "token subject mismatch"}
	}
	u, err := a.store.GetUser(ctx, userID)
	if errors.Is(err, core.ErrUserNotFound) {
		return nil, &api.Error{Code: api.CodeUnauth, Message: "unknown user"}
	}
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	return u, nil
}

// Issue signs a short-lived JWT for the user.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > 24*time.Hour {
		ttl = defaultJWTTTL
	}
	now := a.clock.Now()
	expires := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "leotest-coordinator",
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := tok.SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}
