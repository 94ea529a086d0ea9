// Package fileid defines the compact identifiers cloudpair uses to refer to
// entries of the cloud root: the 64-bit name hash and the 12-byte FileId
// pairing a name hash with a last-write timestamp.
package fileid

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cloudpair/cloudpair/pkg/ulhash"
)

// Marker bytes folded into the name hash so a file and a directory with the
// same relative path produce distinct hashes.
const (
	markerFile      = 0
	markerDirectory = 1
)

// Size is the encoded length of a FileId in bytes: 8 bytes of name hash
// followed by 4 bytes of Unix timestamp.
const Size = 12

// NameHash is the 64-bit fingerprint of a cloud-relative path plus its kind.
type NameHash uint64

// String renders the hash as fixed-width hex for logs.
func (h NameHash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// HashName computes the name hash of a cloud-relative path in Unix form
// (forward slashes, no leading slash). The is-directory marker is folded in
// as a final byte so path collisions across kinds cannot occur. When zero
// knowledge is active the caller passes the obfuscated name, which keeps the
// hash identical for encrypted and plaintext observers of the same entry.
func HashName(relPath string, isDirectory bool) NameHash {
	h := ulhash.Sum(ulhash.Seed, []byte(relPath))

	marker := byte(markerFile)
	if isDirectory {
		marker = markerDirectory
	}

	return NameHash(ulhash.Sum(h, []byte{marker}))
}

// Hash256 returns the SHA-256 digest of data. Used for PIN proofs and
// user-id derivation only, never for file content.
func Hash256(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// UserID derives the stable 64-bit user identifier from public key material.
func UserID(publicKey []byte) uint64 {
	sum := sha256.Sum256(publicKey)

	return binary.LittleEndian.Uint64(sum[:8])
}

// FileId identifies one entry of the cloud root: the lower 8 bytes are the
// name hash, the upper 4 the Unix-epoch seconds of last write. Directories
// carry timestamp 0, which distinguishes them from files. The type is a
// value: equality, ordering, and use as a map key are byte-wise.
type FileId struct {
	Hash      NameHash
	Timestamp uint32
}

// New builds a FileId from a name hash and a last-write timestamp.
// Directories must pass timestamp 0.
func New(hash NameHash, unixTimestamp uint32) FileId {
	return FileId{Hash: hash, Timestamp: unixTimestamp}
}

// IsDirectory reports whether the id refers to a directory entry.
func (id FileId) IsDirectory() bool {
	return id.Timestamp == 0
}

// Bytes encodes the id into its 12-byte wire form, little-endian.
func (id FileId) Bytes() [Size]byte {
	var out [Size]byte
	binary.LittleEndian.PutUint64(out[0:8], uint64(id.Hash))
	binary.LittleEndian.PutUint32(out[8:Size], id.Timestamp)

	return out
}

// FromBytes decodes a 12-byte wire form produced by Bytes.
func FromBytes(b []byte) (FileId, error) {
	if len(b) != Size {
		return FileId{}, fmt.Errorf("fileid: need %d bytes, got %d", Size, len(b))
	}

	return FileId{
		Hash:      NameHash(binary.LittleEndian.Uint64(b[0:8])),
		Timestamp: binary.LittleEndian.Uint32(b[8:Size]),
	}, nil
}

// Less orders two ids byte-wise on their encoded form: hash first, then
// timestamp.
func (id FileId) Less(other FileId) bool {
	a, b := id.Bytes(), other.Bytes()

	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

// String renders the id for logs.
func (id FileId) String() string {
	return fmt.Sprintf("%016x@%d", uint64(id.Hash), id.Timestamp)
}
