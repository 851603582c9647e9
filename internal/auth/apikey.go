// Package auth verifies the integrate credential. The configured secret may
// be stored either as plaintext or as a bcrypt hash so deployments never have
// to put the raw gardener token in their environment.
package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifyKey reports whether the presented API key matches the configured
// secret. An empty configuration never matches anything.
func VerifyKey(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if isBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// HashKey produces a bcrypt hash suitable for the GARDENER_TOKEN setting.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
