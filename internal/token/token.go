// Package token signs and verifies the compact tokens presented at the
// WebSocket handshake. Format: base64url(claims JSON) + "." + base64url(HMAC-SHA256).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carried by a handshake token.
type Claims struct {
	UserID    string `json:"user_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Signer mints and verifies tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Mint issues a token for the user, valid for ttl.
func (s *Signer) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:    userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + s.sign(payload), nil
}

// Verify checks signature and expiry and returns the owning user id.
func (s *Signer) Verify(tok string) (string, error) {
	payload, sig, found := strings.Cut(tok, ".")
	if !found || payload == "" || sig == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(sig)) {
		return "", ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if claims.UserID == "" {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return "", ErrTokenExpired
	}
	return claims.UserID, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
