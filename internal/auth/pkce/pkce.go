// Package pkce implements the Proof Key for Code Exchange extension
// (RFC 7636) used by every authorization-code flow in this application.
// The verifier/challenge pair is generated once per login attempt and the
// challenge is always derived from the stored verifier.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierAlphabet is the set of unreserved URL-safe characters permitted in
// a code verifier by RFC 7636 section 4.1.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// DefaultVerifierLength is used when callers do not request a specific length.
const DefaultVerifierLength = 64

// MinVerifierLength is the RFC 7636 lower bound for a code verifier.
const MinVerifierLength = 43

// Codes holds a PKCE code verifier and its S256 challenge.
type Codes struct {
	// CodeVerifier is the high-entropy secret kept by the client for the
	// lifetime of one authorization round-trip.
	CodeVerifier string
	// CodeChallenge is base64url(SHA256(CodeVerifier)) without padding.
	CodeChallenge string
}

// Generate creates a new verifier/challenge pair with the default verifier
// length. Failure of the system random source is the only error condition and
// is fatal to the calling flow.
func Generate() (*Codes, error) {
	return GenerateWithLength(DefaultVerifierLength)
}

// GenerateWithLength creates a new verifier/challenge pair with an explicit
// verifier length. Lengths below the RFC minimum are rejected.
func GenerateWithLength(length int) (*Codes, error) {
	if length < MinVerifierLength {
		return nil, fmt.Errorf("pkce: verifier length %d below minimum %d", length, MinVerifierLength)
	}
	verifier, err := generateVerifier(length)
	if err != nil {
		return nil, fmt.Errorf("pkce: failed to generate code verifier: %w", err)
	}
	return &Codes{
		CodeVerifier:  verifier,
		CodeChallenge: ChallengeFor(verifier),
	}, nil
}

// ChallengeFor computes the S256 code challenge for a verifier. Deterministic
// and pure; the result never contains '+', '/' or '='.
func ChallengeFor(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// generateVerifier draws length characters from the unreserved alphabet using
// crypto/rand. Rejection sampling keeps the distribution uniform.
func generateVerifier(length int) (string, error) {
	// 66 does not divide 256, so values >= 252 would bias the tail of the
	// alphabet and are redrawn.
	const limit = byte(252) // largest multiple of len(verifierAlphabet) below 256

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
