package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"
)

// JWTClaims represents the claims carried by a mirror fetch token. Unlike a
// depot write-auth token, it carries no permission concept: presenting a
// valid signature over a known fingerprint is the entire grant.
type JWTClaims struct {
	KeyFingerprint string `json:"key_fingerprint"`
	jwt.RegisteredClaims
}

// CreateJWT creates a JWT token signed with signer, an SSH key discovered by
// DiscoverSSHKeys (ssh-agent, gpg-agent, or a ~/.ssh private key file). The
// signature is produced by the SSH signer itself rather than a crypto.Signer,
// since that's the interface ssh-agent and gpg-agent sessions expose.
func CreateJWT(signer ssh.Signer) (string, error) {
	fingerprint := ssh.FingerprintSHA256(signer.PublicKey())

	claims := JWTClaims{
		KeyFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}

	// The signing method only labels the header here; the actual signature
	// comes from the SSH signer below, not from jwt-go's Sign path.
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to get signing string: %w", err)
	}

	sig, err := signer.Sign(rand.Reader, []byte(signingString))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	encodedSignature := base64.RawURLEncoding.EncodeToString(sig.Blob)
	return strings.Join([]string{signingString, encodedSignature}, "."), nil
}
