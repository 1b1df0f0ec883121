package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

var ErrWrongTokenKind = errors.New("wrong token kind")

type Claims struct {
	UserID int64     `json:"uid"`
	Kind   TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

func GenerateToken(userID int64, expiration time.Duration, secret string) (string, error) {
	return generate(userID, AccessToken, expiration, secret)
}

func GenerateRefreshToken(userID int64, expiration time.Duration, secret string) (string, error) {
	return generate(userID, RefreshToken, expiration, secret)
}

func generate(userID int64, kind TokenKind, expiration time.Duration, secret string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses an access token.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	return validate(tokenString, secret, AccessToken)
}

func ValidateRefreshToken(tokenString, secret string) (*Claims, error) {
	return validate(tokenString, secret, RefreshToken)
}

func validate(tokenString, secret string, kind TokenKind) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenKind, claims.Kind)
	}
	return claims, nil
}
