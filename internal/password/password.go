// Package password hashes and verifies account credentials.
//
// Digests are bcrypt strings, which embed a random per-account salt and the
// cost, so every backend stores and checks credentials the same way. Digests
// written by the old flat-file store (hex SHA-256, no salt) still verify and
// are reported as needing a rehash.
package password

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a password into a stored digest and checks candidates against it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) (ok bool, needsRehash bool)
}

// Bcrypt is the default Hasher.
type Bcrypt struct {
	Cost int
}

// NewBcrypt returns a bcrypt Hasher. A cost outside bcrypt's range falls back
// to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{Cost: cost}
}

func (b *Bcrypt) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), b.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (b *Bcrypt) Verify(digest, password string) (bool, bool) {
	if isLegacy(digest) {
		sum := sha256.Sum256([]byte(password))
		want, _ := hex.DecodeString(strings.ToLower(digest))
		return subtle.ConstantTimeCompare(sum[:], want) == 1, true
	}

	if bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) != nil {
		return false, false
	}
	cost, err := bcrypt.Cost([]byte(digest))
	return true, err != nil || cost != b.Cost
}

// LegacyDigest returns the unsalted SHA-256 digest older stores wrote.
func LegacyDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func isLegacy(digest string) bool {
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
