package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, expired and wrongly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// ConfirmClaims embeds the id of the user an account-confirmation token was issued for.
type ConfirmClaims struct {
	Confirm uint `json:"confirm"`
	jwt.RegisteredClaims
}

// GenerateConfirmToken signs userID into a token that expires after expiration.
func GenerateConfirmToken(secret string, userID uint, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := ConfirmClaims{
		Confirm: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseConfirmToken validates a token and returns the user id it carries.
func ParseConfirmToken(secret, tokenStr string) (uint, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &ConfirmClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return 0, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*ConfirmClaims)
	if !ok || !parsed.Valid || claims.Confirm == 0 {
		return 0, ErrInvalidToken
	}
	return claims.Confirm, nil
}
