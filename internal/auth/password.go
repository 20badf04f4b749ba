package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier hashes and checks passwords with bcrypt.
type CredentialVerifier struct {
	cost      int
	dummyHash []byte
}

func NewCredentialVerifier(cost int) (*CredentialVerifier, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	filler, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(filler), cost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}

	return &CredentialVerifier{cost: cost, dummyHash: dummy}, nil
}

func (v *CredentialVerifier) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches digest. A malformed digest is a
// mismatch.
func (v *CredentialVerifier) Verify(plain, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}

// VerifyUnknown spends the same work as Verify so a missing identity costs
// as much as a wrong password.
func (v *CredentialVerifier) VerifyUnknown(plain string) {
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(plain))
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
