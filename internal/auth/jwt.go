package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity the rest of the service consumes: who the caller
// is and which role they hold. Tokens are minted here and nowhere else.
type Claims struct {
	Email string
	Role  Role
}

const tokenTTL = 24 * time.Hour

func GenerateJWT(secret []byte, email string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  email,
		"role": string(role),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ValidateJWT(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	email, _ := claims["sub"].(string)
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if email == "" || !role.Valid() {
		return nil, fmt.Errorf("token is missing identity claims")
	}

	return &Claims{Email: email, Role: role}, nil
}
