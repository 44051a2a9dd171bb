// Package auth issues and verifies the bearer tokens clients present on the
// websocket and REST surfaces. A token is "<userID>.<hex hmac-sha256(userID)>".
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"chatwire/pkg/types"
)

var (
	ErrNoKeys         = errors.New("no signing keys configured")
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature does not match")
)

// MinKeyLength is the shortest signing key accepted.
const MinKeyLength = 16

// Signer signs with its first key and verifies against all of them, so keys
// can be rotated by prepending a new one.
type Signer struct {
	keys [][]byte
}

// NewSigner creates a signer from keys, newest first.
func NewSigner(keys []string) (*Signer, error) {
	s := &Signer{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if len(k) < MinKeyLength {
			return nil, errors.New("signing keys must be at least 16 bytes")
		}
		s.keys = append(s.keys, []byte(k))
	}
	if len(s.keys) == 0 {
		return nil, ErrNoKeys
	}
	return s, nil
}

func mac(key []byte, userID string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(userID))
	return h.Sum(nil)
}

// Sign returns a token for userID.
func (s *Signer) Sign(userID string) (string, error) {
	if !types.IsValidUserID(userID) {
		return "", types.ErrInvalidUserID
	}
	return userID + "." + hex.EncodeToString(mac(s.keys[0], userID)), nil
}

// Verify returns the user id a token was issued for.
func (s *Signer) Verify(token string) (string, error) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrMalformedToken
	}
	userID, sig := token[:i], token[i+1:]
	got, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrMalformedToken
	}
	for _, k := range s.keys {
		if hmac.Equal(got, mac(k, userID)) {
			return userID, nil
		}
	}
	return "", ErrBadSignature
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
