package dashboard

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid API key")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

const tokenLifetime = 24 * time.Hour

// Credentials is the body of a token request.
type Credentials struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries a freshly issued JWT.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims is the JWT claims structure for dashboard tokens.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// AuthService exchanges the configured API key for short-lived JWTs and
// validates them on authorized routes.
type AuthService struct {
	jwtSecret []byte
	apiKey    string
}

// NewAuthService creates an AuthService with the given signing secret and
// accepted API key.
func NewAuthService(jwtSecret, apiKey string) *AuthService {
	return &AuthService{jwtSecret: []byte(jwtSecret), apiKey: apiKey}
}

// GenerateToken issues a JWT for a valid API key.
func (s *AuthService) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if s.apiKey == "" || creds.APIKey != s.apiKey {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(tokenLifetime)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ClientID: creds.APIKey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: signed, Expiration: expiration}, nil
}

// ValidateToken verifies a JWT's signature and expiration and returns its
// claims.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
