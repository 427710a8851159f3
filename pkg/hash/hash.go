// Package hash defines the content hash type used throughout the pip
// execution core: the Content-Addressed Store, the fingerprint store, and
// the path set all key their maps on it directly rather than on a
// string-encoded digest, per the fixed-size-byte-array guidance for
// fingerprint keys.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
)

// errInvalidLength is returned when a decoded hash does not have the
// expected byte length.
var errInvalidLength = errors.New("hash: decoded value has wrong length")

// Size is the number of bytes in a Hash.
const Size = sha256.Size

// Hash is a 256-bit content hash. It is comparable with == and usable
// directly as a map key.
type Hash [Size]byte

// Absent is the distinguished value denoting "file known to be absent at
// this path." It is the all-zero hash; no real content hashes to it
// because the content store would need a preimage of 32 zero bytes, which
// SHA-256 never produces for any input the store will ever hash (the
// store never hashes the empty 32-byte buffer as a discrete object - it
// hashes file contents or path strings, never raw hash values).
var Absent Hash

// IsAbsent reports whether h is the Absent sentinel.
func (h Hash) IsAbsent() bool {
	return h == Absent
}

// String returns the lower-case hexadecimal encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so that Hash round-trips
// through any encoder that respects it (notably yaml.v3, used by the
// fingerprint store for cache entry and metadata blobs) as a hex string
// rather than a 32-element byte sequence.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the counterpart to
// MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	decoded, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// ShardPrefix returns the two-character hexadecimal shard prefix used to
// bucket content blobs on disk (<cache>/content/<hh>/<hash>).
func (h Hash) ShardPrefix() string {
	return h.String()[:2]
}

// Bytes returns a copy of the hash's underlying bytes.
func (h Hash) Bytes() []byte {
	result := make([]byte, Size)
	copy(result, h[:])
	return result
}

// FromBytes constructs a Hash from a byte slice, which must be exactly
// Size bytes long.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// FromHex parses a lower-case hexadecimal encoding of a hash.
func FromHex(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(decoded) != Size {
		return h, errInvalidLength
	}
	copy(h[:], decoded)
	return h, nil
}

// New computes the content hash of a byte slice.
func New(content []byte) Hash {
	return Hash(sha256.Sum256(content))
}

// NewFactory returns a fresh hash.Hash implementing the content hash
// algorithm, for streaming use (e.g. hashing a file while copying it).
func NewFactory() hash.Hash {
	return sha256.New()
}

// Sum finalizes a streaming hash.Hash created by NewFactory into a Hash.
// It panics if the hasher was not created by NewFactory (i.e. does not
// produce Size-byte sums), which would indicate a programming error.
func Sum(h hash.Hash) Hash {
	sum := h.Sum(nil)
	result, ok := FromBytes(sum)
	if !ok {
		panic("hash factory produced sum of unexpected size")
	}
	return result
}
