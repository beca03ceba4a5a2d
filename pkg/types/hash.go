package types

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidHash = errors.New("invalid hash")

// HashLength is the length of a textual object hash: 43 characters of
// unpadded URL-safe base64 plus the '*' marker.
const HashLength = 44

const hashMarkerPosition = 5

// Hash is the storage key of an immutable object. It is the SHA-256 digest of
// the serialized payload, encoded as unpadded URL-safe base64 with a '*'
// inserted after the fifth character. Escaped text never contains '*', so
// hashes embedded in a payload can be found by pattern.
type Hash string

var hashPattern = regexp.MustCompile(`[a-zA-Z0-9\-_]{5}\*[a-zA-Z0-9\-_]{38}`)

// Digest computes the Hash of a payload.
func Digest(payload string) Hash {
	sum := sha256.Sum256([]byte(payload))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	return Hash(encoded[:hashMarkerPosition] + "*" + encoded[hashMarkerPosition:])
}

func (h Hash) String() string {
	return string(h)
}

func (h Hash) IsZero() bool {
	return h == ""
}

// Valid reports whether h has the shape of a Hash.
func (h Hash) Valid() bool {
	return len(h) == HashLength && hashPattern.MatchString(string(h))
}

// Bytes returns the raw 32 byte digest.
func (h Hash) Bytes() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidHash, string(h))
	}
	raw := string(h[:hashMarkerPosition]) + string(h[hashMarkerPosition+1:])
	return base64.RawURLEncoding.DecodeString(raw)
}

// ParseHash validates s and returns it as Hash.
func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if !h.Valid() {
		return "", fmt.Errorf("%w %q", ErrInvalidHash, s)
	}
	return h, nil
}

// Matches reports whether payload digests to h.
func (h Hash) Matches(payload string) bool {
	return Digest(payload) == h
}

// ExtractHashes returns every hash embedded in payload in order of
// appearance. Duplicates are kept.
func ExtractHashes(payload string) []Hash {
	found := hashPattern.FindAllString(payload, -1)
	if len(found) == 0 {
		return nil
	}
	hashes := make([]Hash, len(found))
	for i, f := range found {
		hashes[i] = Hash(f)
	}
	return hashes
}
