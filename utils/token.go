package utils

import (
	"fmt"
	"os"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim carries the identity issued by the auth service. This service never issues tokens.
type JwtCustomClaim struct {
	UserId   string `json:"user_id"`
	UserName string `json:"name"`
	jwt.StandardClaims
}

func getJwtSecret() []byte {
	return []byte(os.Getenv("API_SECRET"))
}

func JwtValidate(token string) (*jwt.Token, error) {
	secret := getJwtSecret()
	if len(secret) == 0 {
		return nil, fmt.Errorf("API_SECRET is not configured")
	}
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
}
