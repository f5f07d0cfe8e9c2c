package filesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

const (
	// digestCopyBufferSize is the size of the buffer used when streaming
	// file contents into a digest. The value matches the default allocation
	// of io.Copy.
	digestCopyBufferSize = 32 * 1024
)

// Digest is a content digest. The zero value represents the digest of no
// content observation (distinct from the digest of empty content).
type Digest struct {
	// valid indicates whether the digest has been computed.
	valid bool
	// sum is the SHA-256 sum.
	sum [sha256.Size]byte
}

// Valid returns true if the digest represents an actual content observation.
func (d Digest) Valid() bool {
	return d.valid
}

// String returns the hexadecimal rendering of the digest, or "<none>" for the
// zero digest.
func (d Digest) String() string {
	if !d.valid {
		return "<none>"
	}
	return hex.EncodeToString(d.sum[:])
}

// DigestReader computes the digest of a reader's full contents.
func DigestReader(reader io.Reader) (Digest, error) {
	hasher := sha256.New()
	buffer := make([]byte, digestCopyBufferSize)
	if _, err := io.CopyBuffer(hasher, reader, buffer); err != nil {
		return Digest{}, errors.Wrap(err, "unable to digest contents")
	}
	var digest Digest
	digest.valid = true
	hasher.Sum(digest.sum[:0])
	return digest, nil
}

// DigestBytes computes the digest of a byte slice.
func DigestBytes(content []byte) Digest {
	var digest Digest
	digest.valid = true
	sum := sha256.Sum256(content)
	digest.sum = sum
	return digest
}
