// Package ids implements the id formats used on the wire: blob ids derived
// from the SHA-1 of the raw content, message ids and thread ids. The formats
// are stable, a client may persist them across sessions.
package ids

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/mjl-/jmapd/jmapserver/basetypes"
)

// Blob ids are "G" followed by 40 lowercase hex digits, the SHA-1 of the raw
// content region the id refers to. Deriving the id from the content makes
// uploads idempotent: storing the same bytes twice yields the same id.
const (
	blobIdPrefix = "G"
	blobHexLen   = 2 * sha1.Size
)

var ErrMalformedId = fmt.Errorf("malformed id")

// SHA1 is the digest algorithm of all content ids. go-digest registers no
// sha1 algorithm of its own, digests are built from crypto/sha1 output with
// NewDigestFromEncoded.
const SHA1 = digest.Algorithm("sha1")

// SHA1FromHash finalizes a crypto/sha1 hash into a typed digest.
func SHA1FromHash(h hash.Hash) digest.Digest {
	return digest.NewDigestFromEncoded(SHA1, hex.EncodeToString(h.Sum(nil)))
}

// SHA1FromReader digests all of r.
func SHA1FromReader(r io.Reader) (digest.Digest, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return SHA1FromHash(h), nil
}

func SHA1FromString(s string) digest.Digest {
	sum := sha1.Sum([]byte(s))
	return digest.NewDigestFromEncoded(SHA1, hex.EncodeToString(sum[:]))
}

// BlobIdFromDigest formats a blob id for a SHA-1 content digest.
func BlobIdFromDigest(d digest.Digest) basetypes.Id {
	return basetypes.Id(blobIdPrefix + d.Encoded())
}

// BlobId reads all of r and returns the blob id for its contents.
func BlobId(r io.Reader) (basetypes.Id, error) {
	d, err := SHA1FromReader(r)
	if err != nil {
		return "", fmt.Errorf("digesting content: %w", err)
	}
	return BlobIdFromDigest(d), nil
}

// ParseBlobId validates a wire-format blob id and returns the content digest
// it encodes. Uppercase hex is rejected, ids are emitted lowercase and
// compared byte for byte.
func ParseBlobId(id basetypes.Id) (digest.Digest, error) {
	s := string(id)
	if len(s) != 1+blobHexLen || !strings.HasPrefix(s, blobIdPrefix) {
		return "", ErrMalformedId
	}
	enc := s[1:]
	for _, c := range enc {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", ErrMalformedId
		}
	}
	return digest.NewDigestFromEncoded(SHA1, enc), nil
}

// Message ids are "M" followed by the first 24 hex digits of the message
// content digest.
const (
	messageIdPrefix = "M"
	messageHexLen   = 24
)

func MessageIdFromDigest(d digest.Digest) basetypes.Id {
	return basetypes.Id(messageIdPrefix + d.Encoded()[:messageHexLen])
}

func ValidMessageId(id basetypes.Id) bool {
	s := string(id)
	if len(s) != 1+messageHexLen || !strings.HasPrefix(s, messageIdPrefix) {
		return false
	}
	return validLowerHex(s[1:])
}

// Thread ids are "T" followed by the thread's 64-bit key in fixed-width hex.
const threadIdPrefix = "T"

func ThreadId(v uint64) basetypes.Id {
	return basetypes.Id(fmt.Sprintf("%s%016x", threadIdPrefix, v))
}

func ParseThreadId(id basetypes.Id) (uint64, error) {
	s := string(id)
	if len(s) != 1+16 || !strings.HasPrefix(s, threadIdPrefix) {
		return 0, ErrMalformedId
	}
	if !validLowerHex(s[1:]) {
		return 0, ErrMalformedId
	}
	var v uint64
	if _, err := fmt.Sscanf(s[1:], "%016x", &v); err != nil {
		return 0, ErrMalformedId
	}
	return v, nil
}

func validLowerHex(s string) bool {
	if _, err := hex.DecodeString(s); err != nil {
		return false
	}
	return strings.ToLower(s) == s
}
