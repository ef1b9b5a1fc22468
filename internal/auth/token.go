// Package auth authenticates users and answers capability checks.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/compose-paas/backend/internal/model"
)

// Tokens validates and issues HS256 JWTs whose subject is the user id.
type Tokens struct {
	secret []byte
}

// NewTokens creates a token validator for the shared secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Validate parses a token and returns its subject.
func (t *Tokens) Validate(token string) (string, error) {
	keyFunc := func(tok *jwtgo.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwtgo.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}

	parsed, err := jwtgo.Parse(token, keyFunc)
	if err != nil {
		return "", model.WrapError(err, model.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return "", model.NewError(model.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(jwtgo.MapClaims)
	if !ok {
		return "", model.NewError(model.CodeUnauthorized, "invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", model.WrapError(errors.New("sub claim is required"), model.CodeUnauthorized, "invalid token")
	}
	return sub, nil
}

// Issue creates a token for userID valid for ttl.
func (t *Tokens) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwtgo.NewWithClaims(jwtgo.SigningMethodHS256, jwtgo.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.New().String(),
	})
	return token.SignedString(t.secret)
}
