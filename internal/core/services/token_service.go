package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService signs the device tokens presented to the upstream API and
// validates the tokens presented to the local API.
type TokenService struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration

	mu     sync.Mutex
	cached map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func NewTokenService(secretKey string, issuer string, tokenDuration time.Duration) *TokenService {
	return &TokenService{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
		cached:        make(map[string]cachedToken),
	}
}

func (s *TokenService) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("token service: failed to sign token: %w", err)
	}

	return signedToken, nil
}

// Token returns a token for subject, reusing the previous one until it is
// within a tenth of its lifetime from expiry.
func (s *TokenService) Token(subject string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cached[subject]; ok && time.Until(c.expiresAt) > s.tokenDuration/10 {
		return c.value, nil
	}

	token, err := s.GenerateToken(subject)
	if err != nil {
		return "", err
	}
	s.cached[subject] = cachedToken{value: token, expiresAt: time.Now().Add(s.tokenDuration)}
	return token, nil
}

func (s *TokenService) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})

	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	if claims.Issuer != s.issuer {
		return "", fmt.Errorf("invalid token issuer")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("invalid token subject")
	}

	return claims.Subject, nil
}
