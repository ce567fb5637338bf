// Package keycodec encodes license payloads to and from the human-readable
// key format TIER-XXXXXXXX-XXXXXXXX-XXXXXXXX-CCCC.
package keycodec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate-io/keygate/internal/licensing"
)

// ErrMalformedKey is returned for any input that is not a well-formed key.
// Decoding never distinguishes why: this path is reachable by untrusted
// callers and must not leak which part of the key was wrong.
var ErrMalformedKey = errors.New("not a valid license key")

// crockfordAlphabet is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var keyEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

const (
	separator    = "-"
	segmentLen   = 8
	segmentCount = 3
	checksumLen  = 4

	recordVersion = 1
	recordLen     = 15 // encodes to exactly segmentCount*segmentLen base32 chars

	// checksumDomain binds checksums to this key format so the same payload
	// signed for another purpose can never produce a colliding checksum.
	checksumDomain = "keygate/license-key/v1"
)

// Payload is the structured content of a license key.
type Payload struct {
	CustomerID uint32
	Tier       licensing.Tier
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Nonce      uint16
}

var tierIndex = map[licensing.Tier]byte{
	licensing.TierCommunity:  0,
	licensing.TierTeam:       1,
	licensing.TierEnterprise: 2,
}

var indexTier = map[byte]licensing.Tier{
	0: licensing.TierCommunity,
	1: licensing.TierTeam,
	2: licensing.TierEnterprise,
}

// NewNonce returns a random payload nonce.
func NewNonce() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate key nonce: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Encode serializes the payload and assembles the full key text. sig is the
// Ed25519 signature over the serialized payload; it feeds the checksum but is
// not itself embedded in the key.
func Encode(p Payload, sig []byte) (string, error) {
	record, err := marshalRecord(p)
	if err != nil {
		return "", err
	}

	encoded := keyEncoding.EncodeToString(record)
	encoded, err = padRandom(encoded, segmentCount*segmentLen)
	if err != nil {
		return "", err
	}

	segments := make([]string, segmentCount)
	for i := range segments {
		segments[i] = encoded[i*segmentLen : (i+1)*segmentLen]
	}

	tier := strings.ToUpper(string(p.Tier))
	check := Checksum(p.Tier, segments, sig)

	parts := append([]string{tier}, segments...)
	parts = append(parts, check)
	return strings.Join(parts, separator), nil
}

// Decode parses a presented key back into its payload. It never panics on
// malformed input; every failure is ErrMalformedKey.
func Decode(key string) (Payload, error) {
	parts := strings.Split(Normalize(key), separator)
	if len(parts) < 2+segmentCount {
		return Payload{}, ErrMalformedKey
	}

	prefixTier, ok := licensing.ParseTier(parts[0])
	if !ok {
		return Payload{}, ErrMalformedKey
	}

	encoded := strings.Join(parts[1:1+segmentCount], "")
	if len(encoded) != segmentCount*segmentLen {
		return Payload{}, ErrMalformedKey
	}

	record, err := keyEncoding.DecodeString(encoded)
	if err != nil || len(record) != recordLen {
		return Payload{}, ErrMalformedKey
	}

	p, err := unmarshalRecord(record)
	if err != nil {
		return Payload{}, ErrMalformedKey
	}
	if p.Tier != prefixTier {
		// Tier prefix and payload disagree; the key was tampered with.
		return Payload{}, ErrMalformedKey
	}
	return p, nil
}

// Checksum computes the 4-character checksum over the tier, segments,
// payload signature, and the fixed domain constant.
func Checksum(tier licensing.Tier, segments []string, sig []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(string(tier))))
	for _, s := range segments {
		h.Write([]byte(s))
	}
	h.Write(sig)
	h.Write([]byte(checksumDomain))
	sum := h.Sum(nil)
	return keyEncoding.EncodeToString(sum[:3])[:checksumLen]
}

// Normalize canonicalizes a presented key for hashing and decoding.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// KeyHash derives the stable one-way lookup value for a key. All storage and
// lookups use this hash; the plaintext key is never persisted.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(Normalize(key)))
	return hex.EncodeToString(sum[:])
}

// MarshalRecord exposes the wire serialization of a payload for signing.
func MarshalRecord(p Payload) ([]byte, error) {
	return marshalRecord(p)
}

func marshalRecord(p Payload) ([]byte, error) {
	idx, ok := tierIndex[p.Tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", p.Tier)
	}
	if p.CreatedAt.IsZero() {
		return nil, errors.New("payload missing creation time")
	}

	b := make([]byte, recordLen)
	b[0] = recordVersion<<4 | idx
	binary.BigEndian.PutUint32(b[1:5], p.CustomerID)
	binary.BigEndian.PutUint32(b[5:9], uint32(p.CreatedAt.Unix()))
	if p.ExpiresAt != nil {
		binary.BigEndian.PutUint32(b[9:13], uint32(p.ExpiresAt.Unix()))
	}
	binary.BigEndian.PutUint16(b[13:15], p.Nonce)
	return b, nil
}

func unmarshalRecord(b []byte) (Payload, error) {
	if len(b) != recordLen {
		return Payload{}, ErrMalformedKey
	}
	if b[0]>>4 != recordVersion {
		return Payload{}, ErrMalformedKey
	}
	tier, ok := indexTier[b[0]&0x0f]
	if !ok {
		return Payload{}, ErrMalformedKey
	}

	p := Payload{
		CustomerID: binary.BigEndian.Uint32(b[1:5]),
		Tier:       tier,
		CreatedAt:  time.Unix(int64(binary.BigEndian.Uint32(b[5:9])), 0).UTC(),
		Nonce:      binary.BigEndian.Uint16(b[13:15]),
	}
	if exp := binary.BigEndian.Uint32(b[9:13]); exp != 0 {
		t := time.Unix(int64(exp), 0).UTC()
		p.ExpiresAt = &t
	}
	return p, nil
}

// padRandom extends encoded to want characters using random alphabet
// characters. Current records always fill the segments exactly; the pad path
// exists for shorter future record versions.
func padRandom(encoded string, want int) (string, error) {
	if len(encoded) > want {
		return "", fmt.Errorf("encoded payload too long: %d chars", len(encoded))
	}
	if len(encoded) == want {
		return encoded, nil
	}

	pad := make([]byte, want-len(encoded))
	if _, err := rand.Read(pad); err != nil {
		return "", fmt.Errorf("generate key padding: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(encoded)
	for _, v := range pad {
		sb.WriteByte(crockfordAlphabet[int(v)%len(crockfordAlphabet)])
	}
	return sb.String(), nil
}
