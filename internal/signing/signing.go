// Package signing holds the process-lifetime Ed25519 keypair used to sign
// license payloads.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoKeyMaterial indicates no signing key was configured.
	ErrNoKeyMaterial = errors.New("no signing key material configured")
)

// Context signs and verifies license payloads. It is constructed once at
// startup and injected into the issuer and validator; there is no ambient
// global keypair.
type Context struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	ephemeral bool
}

// NewFromSeed builds a signing context from a base64-encoded Ed25519 seed
// (32 bytes), as produced by the keygen command.
func NewFromSeed(encodedSeed string) (*Context, error) {
	encodedSeed = strings.TrimSpace(encodedSeed)
	if encodedSeed == "" {
		return nil, ErrNoKeyMaterial
	}

	seed, err := base64.StdEncoding.DecodeString(encodedSeed)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Context{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeral generates a throwaway keypair. Keys signed with it become
// unverifiable after restart, so this path is refused outside development.
func NewEphemeral() (*Context, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	log.Warn().Msg("Using EPHEMERAL signing keypair - licenses will not survive a restart. Never use this in production.")
	return &Context{priv: priv, pub: pub, ephemeral: true}, nil
}

// Ephemeral reports whether the keypair was generated at startup rather than
// loaded from configured key material.
func (c *Context) Ephemeral() bool {
	return c.ephemeral
}

// Sign returns the Ed25519 signature over msg.
func (c *Context) Sign(msg []byte) []byte {
	return ed25519.Sign(c.priv, msg)
}

// Verify reports whether sig is a valid signature over msg. A false return
// must cause the caller to treat the input as invalid, never partially
// trusted.
func (c *Context) Verify(msg, sig []byte) bool {
	return ed25519.Verify(c.pub, msg, sig)
}

// PublicKey returns the verification key.
func (c *Context) PublicKey() ed25519.PublicKey {
	return c.pub
}

// GenerateSeed returns a fresh base64-encoded Ed25519 seed for deployment.
func GenerateSeed() (seed string, publicKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv.Seed()),
		base64.StdEncoding.EncodeToString(pub), nil
}
