package scanner

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Digest names accepted by NewDigester.
const (
	DigestSHA1  = "sha1"
	DigestXXH64 = "xxh64"
)

// DefaultDigest is used when no digest is configured.
const DefaultDigest = DigestSHA1

// Digester reduces resource contents to a comparable string.
type Digester func([]byte) string

// NewDigester returns the digester registered under name. An empty name
// selects DefaultDigest.
func NewDigester(name string) (Digester, error) {
	switch name {
	case "", DigestSHA1:
		return func(b []byte) string {
			sum := sha1.Sum(b)
			return hex.EncodeToString(sum[:])
		}, nil
	case DigestXXH64:
		return func(b []byte) string {
			return strconv.FormatUint(xxhash.Sum64(b), 16)
		}, nil
	default:
		return nil, fmt.Errorf("unknown digest %q (want %s or %s)", name, DigestSHA1, DigestXXH64)
	}
}
