package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken signals a malformed, expired or wrongly signed bearer token.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenService issues and verifies HS256 bearer tokens carrying an actor id.
// Credential checks happen upstream; this service only binds requests to actors.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for actorID.
func (s *TokenService) Issue(actorID string) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("auth: empty actor id")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub": actorID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates tokenString and returns the actor id it was issued for.
func (s *TokenService) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}
