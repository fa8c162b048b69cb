// internal/auth/apikey.go
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyType represents the type of API key
type APIKeyType string

const (
	APIKeyAnon        APIKeyType = "anon"
	APIKeyServiceRole APIKeyType = "service_role"
)

// APIKey creates a JWT API key with a role claim and no expiration.
func (i *Issuer) APIKey(keyType APIKeyType) (string, error) {
	claims := jwt.MapClaims{
		"role": string(keyType),
		"iss":  i.issuer,
		"iat":  i.now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.secret))
}

// ValidateAPIKey validates an API key and returns its role.
func ValidateAPIKey(tokenString, secret string) (string, error) {
	claims, err := parse(tokenString, secret)
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}

	role, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("API key missing role claim")
	}
	if role != string(APIKeyAnon) && role != string(APIKeyServiceRole) {
		return "", fmt.Errorf("invalid API key role: %s", role)
	}
	return role, nil
}
