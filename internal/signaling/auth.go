// internal/signaling/auth.go
package signaling

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid signaling token")

// TokenAuth emite e valida os bearer tokens (HS256, segredo compartilhado)
// usados no upgrade do websocket de sinalização e de mídia.
type TokenAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewTokenAuth(secret, issuer string, ttl time.Duration) *TokenAuth {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenAuth{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue gera um token para o sujeito (id da câmera).
func (a *TokenAuth) Issue(subject string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify valida assinatura, expiração e emissor; devolve o sujeito.
func (a *TokenAuth) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.issuer))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Header monta o Authorization para o dial.
func (a *TokenAuth) Header(subject string) (http.Header, error) {
	tok, err := a.Issue(subject)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return h, nil
}

// Authenticate extrai e valida o bearer de uma requisição de upgrade.
func (a *TokenAuth) Authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tok == "" {
		return "", ErrInvalidToken
	}
	return a.Verify(strings.TrimSpace(tok))
}
