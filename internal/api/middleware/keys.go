package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const keyTextPrefix = "flk_"

// NewKey returns a fresh raw API key with its lookup prefix and bcrypt hash. The raw key is shown to
// the caller once and never stored.
func NewKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = keyTextPrefix + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash api key: %w", err)
	}
	return raw, raw[:KeyPrefixLen], string(h), nil
}
