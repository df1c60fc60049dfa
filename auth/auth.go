package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const tokenTTL = 24 * time.Hour

// AuthModule issues and checks API tokens for the users configured in API_USERS
type AuthModule struct {
	users     map[string]string // username -> bcrypt hash
	JWTSecret string
	now       func() time.Time
}

func NewAuthModule(JWTSecret string, users map[string]string) *AuthModule {
	return &AuthModule{
		users:     users,
		JWTSecret: JWTSecret,
		now:       time.Now,
	}
}

// Enabled reports whether routes must be authenticated
func (a *AuthModule) Enabled() bool {
	return a != nil && a.JWTSecret != ""
}

// HashPassword returns the bcrypt hash to put in API_USERS
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (a *AuthModule) generateJWT(username string) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": username,
		"exp": now.Add(tokenTTL).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.JWTSecret))
}

func (a *AuthModule) authenticateUser(username, password string) error {
	hash, ok := a.users[username]
	if !ok {
		// Compare anyway so unknown users take as long as wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZsMrP3nDBHR6wLDBUYs6Aa"), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (a *AuthModule) LoginWithJWT(ctx context.Context, username, password string) (string, error) {
	if !a.Enabled() {
		return "", errors.New("authentication is disabled")
	}
	if err := a.authenticateUser(username, password); err != nil {
		return "", err
	}
	return a.generateJWT(username)
}

// ValidateTokenJWT checks a token, with or without the "Bearer " prefix, and
// returns the user it was issued to
func (a *AuthModule) ValidateTokenJWT(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", errors.New("missing token")
	}
	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}

	if claims, ok := parsedToken.Claims.(jwt.MapClaims); ok && parsedToken.Valid {
		username, ok := claims["sub"].(string)
		if !ok || username == "" {
			return "", errors.New("invalid subject in token")
		}
		if _, known := a.users[username]; !known {
			return "", errors.New("unknown user")
		}
		return username, nil
	}
	return "", errors.New("invalid token")
}
