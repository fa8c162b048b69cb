// internal/auth/jwt.go
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the signed-in user as the realtime layer needs it.
type Session struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	AccessToken string `json:"-"`
}

// DisplayName is the name shown to other users.
func (s Session) DisplayName() string {
	if s.Username != "" {
		return s.Username
	}
	return s.Email
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token has no sub claim")
)

// AccessTokenExpiry is the lifetime of tokens minted by Issuer.
const AccessTokenExpiry = time.Hour

// parse verifies an HS256 token signed with secret.
func parse(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseSession builds a Session from a user access token. The username
// comes from user_metadata.username, falling back to the local part of
// the email address.
func ParseSession(tokenString, secret string) (Session, error) {
	claims, err := parse(tokenString, secret)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(claims, tokenString)
}

// ParseUnverified reads a Session from a token without checking its
// signature. Clients use it on tokens they were handed by the server,
// which verifies them on join.
func ParseUnverified(tokenString string) (Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return sessionFromClaims(claims, tokenString)
}

func sessionFromClaims(claims jwt.MapClaims, tokenString string) (Session, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Session{}, ErrNoSubject
	}
	email, _ := claims["email"].(string)

	var username string
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		username, _ = meta["username"].(string)
	}
	if username == "" && email != "" {
		username, _, _ = strings.Cut(email, "@")
	}

	return Session{
		UserID:      sub,
		Username:    username,
		Email:       email,
		AccessToken: tokenString,
	}, nil
}

// Issuer mints development tokens.
type Issuer struct {
	secret string
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer signing with secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: secret, issuer: "tasklive", now: time.Now}
}

// AccessToken mints an authenticated-role token for a user.
func (i *Issuer) AccessToken(userID, username, email string) (string, error) {
	if userID == "" {
		return "", ErrNoSubject
	}
	now := i.now()
	claims := jwt.MapClaims{
		"aud":   "authenticated",
		"exp":   now.Add(AccessTokenExpiry).Unix(),
		"iat":   now.Unix(),
		"iss":   i.issuer,
		"sub":   userID,
		"email": email,
		"role":  "authenticated",
		"user_metadata": map[string]any{
			"username": username,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.secret))
}
