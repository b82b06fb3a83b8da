package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// digestKey is drawn per process; it only keeps comparisons length-independent.
var digestKey = func() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(err)
	}
	return k
}()

func digest(value string) []byte {
	mac := hmac.New(sha256.New, digestKey)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

// VerifyToken compares presented against expected in constant time.
func VerifyToken(presented, expected string) error {
	if expected == "" || !hmac.Equal(digest(presented), digest(expected)) {
		return ErrInvalidToken
	}
	return nil
}
