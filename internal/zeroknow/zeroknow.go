// Package zeroknow implements cloudpair's zero-knowledge mode: file contents
// are XOR-encrypted with a Blake2b keystream and file names are mapped to a
// filesystem-safe glyph alphabet, so the remote endpoint stores and relays
// data without ever seeing plaintext.
package zeroknow

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Sentinel is the single character appended to every obfuscated name
// component. It marks a component as encrypted, letting the watcher and the
// reconciler tell obfuscated names in flight apart from fresh plaintext
// creates without out-of-band metadata.
const Sentinel = '⁇'

// alphabetBase is the first code point of the 256-glyph obfuscation
// alphabet. The Cyrillic block U+0400..U+04FF has exactly 256 assigned,
// filesystem-safe glyphs, giving a bijective byte mapping.
const alphabetBase = 0x0400

// blockSize is the content codec's XOR unit in bytes.
const blockSize = 8

// blocksPerRefresh is how many blocks are ciphered before the keystream is
// rotated with a keyed Blake2b pass.
const blocksPerRefresh = 8

// ErrNotObfuscated is returned when deobfuscation is asked to decode a
// component that does not carry the sentinel.
var ErrNotObfuscated = errors.New("zeroknow: name component is not obfuscated")

// ErrBadGlyph is returned when an obfuscated component contains a rune
// outside the obfuscation alphabet.
var ErrBadGlyph = errors.New("zeroknow: glyph outside obfuscation alphabet")

// specialNames are directory names that stay clear under obfuscation so the
// remote side can still route around its own bookkeeping trees. Once a clear
// component appears in a path, everything below it stays clear too.
var specialNames = map[string]bool{
	".cloud_cache": true,
}

// Codec holds the derived key schedule for one master key. It is safe for
// concurrent use; all per-file state lives in FileStream values.
type Codec struct {
	nameKey   [32]byte // SHA-256 of the master key; drives name obfuscation
	masterKey [64]byte // Blake2b-512(master ‖ nameKey); drives per-file keys
}

// NewCodec derives the key schedule from a caller-supplied master key.
func NewCodec(encryptionMasterKey []byte) (*Codec, error) {
	if len(encryptionMasterKey) == 0 {
		return nil, errors.New("zeroknow: empty master key")
	}

	// The filename key uses a different primitive (SHA-256) from the content
	// chain (Blake2b), so neither key can be derived from the other.
	c := &Codec{}
	c.nameKey = sha256.Sum256(encryptionMasterKey)

	buf := make([]byte, 0, len(encryptionMasterKey)+len(c.nameKey))
	buf = append(buf, encryptionMasterKey...)
	buf = append(buf, c.nameKey[:]...)
	c.masterKey = blake2b.Sum512(buf)

	return c, nil
}

// FileKey derives the per-file encryption key. The last-write timestamp is
// part of the derivation, so every overwrite of a file yields a fresh
// keystream and the XOR cipher never reuses key material across versions.
func (c *Codec) FileKey(relPath string, mtime uint32) [64]byte {
	path := []byte(relPath)

	buf := make([]byte, 0, len(path)+8+4+len(c.masterKey))
	buf = append(buf, path...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(path)))
	buf = binary.LittleEndian.AppendUint32(buf, mtime)
	buf = append(buf, c.masterKey[:]...)

	return blake2b.Sum512(buf)
}

// FileStream is the streaming XOR cipher state for one file version.
// Encryption and decryption are the same operation. Feed the file's bytes
// through Apply in order; split points may fall anywhere.
type FileStream struct {
	seal    [64]byte
	stream  [64]byte
	block   int // blocks completed since the last refresh
	inBlock int // bytes consumed of the current block
}

// NewFileStream creates the cipher state for one (path, mtime) file version.
func (c *Codec) NewFileStream(relPath string, mtime uint32) *FileStream {
	key := c.FileKey(relPath, mtime)

	fs := &FileStream{}
	fs.seal = blake2b.Sum512(key[:])
	fs.stream = blake2b.Sum512(fs.seal[:])

	return fs
}

// Apply XORs p in place with the keystream, advancing the stream state.
func (fs *FileStream) Apply(p []byte) {
	for i := range p {
		p[i] ^= fs.stream[fs.block*blockSize+fs.inBlock]

		fs.inBlock++
		if fs.inBlock == blockSize {
			fs.inBlock = 0
			fs.block++

			if fs.block == blocksPerRefresh {
				fs.block = 0
				fs.refresh()
			}
		}
	}
}

// refresh rotates the keystream: stream = Blake2b-512 keyed with seal over
// the previous stream.
func (fs *FileStream) refresh() {
	h, err := blake2b.New512(fs.seal[:])
	if err != nil {
		// Key length is fixed at 64 bytes, the maximum Blake2b accepts.
		panic("zeroknow: keyed blake2b init: " + err.Error())
	}

	h.Write(fs.stream[:])
	copy(fs.stream[:], h.Sum(nil))
}

// --- Filename obfuscation ---

// HasSentinel reports whether a name component carries the obfuscation
// sentinel, i.e. is already encrypted.
func HasSentinel(name string) bool {
	return strings.HasSuffix(name, string(Sentinel))
}

// IsSpecialName reports whether a directory name is reserved and therefore
// never obfuscated.
func IsSpecialName(name string) bool {
	return specialNames[name]
}

// ObfuscateName encrypts a single path component. A leading dot is
// preserved so hidden files stay hidden on the remote side.
func (c *Codec) ObfuscateName(component string) string {
	hasDot := strings.HasPrefix(component, ".")

	plain := component
	if hasDot {
		plain = component[1:]
	}

	masked := []byte(plain)
	c.nameStream(masked)

	var b strings.Builder
	if hasDot {
		b.WriteByte('.')
	}

	for _, mb := range masked {
		b.WriteRune(rune(alphabetBase + int(mb)))
	}

	b.WriteRune(Sentinel)

	return b.String()
}

// DeobfuscateName reverses ObfuscateName.
func (c *Codec) DeobfuscateName(component string) (string, error) {
	if !HasSentinel(component) {
		return "", ErrNotObfuscated
	}

	body := strings.TrimSuffix(component, string(Sentinel))

	hasDot := strings.HasPrefix(body, ".")
	if hasDot {
		body = body[1:]
	}

	runes := []rune(body)
	masked := make([]byte, len(runes))

	for i, r := range runes {
		v := int(r) - alphabetBase
		if v < 0 || v > 0xFF {
			return "", fmt.Errorf("%w: %q", ErrBadGlyph, r)
		}

		masked[i] = byte(v)
	}

	c.nameStream(masked)

	if hasDot {
		return "." + string(masked), nil
	}

	return string(masked), nil
}

// ObfuscatePath obfuscates a cloud-relative path component by component.
// Reserved names stay clear, and once a clear component is seen every
// deeper component stays clear as well, keeping system trees browseable.
func (c *Codec) ObfuscatePath(relPath string) string {
	parts := strings.Split(relPath, "/")

	clearBelow := false
	for i, part := range parts {
		if clearBelow || IsSpecialName(part) {
			clearBelow = true
			continue
		}

		parts[i] = c.ObfuscateName(part)
	}

	return strings.Join(parts, "/")
}

// DeobfuscatePath reverses ObfuscatePath. Components without the sentinel
// pass through unchanged.
func (c *Codec) DeobfuscatePath(relPath string) (string, error) {
	parts := strings.Split(relPath, "/")

	for i, part := range parts {
		if !HasSentinel(part) {
			continue
		}

		name, err := c.DeobfuscateName(part)
		if err != nil {
			return "", fmt.Errorf("zeroknow: component %d of %q: %w", i, relPath, err)
		}

		parts[i] = name
	}

	return strings.Join(parts, "/"), nil
}

// nameStream XORs buf in place with the keystream derived from the filename
// obfuscation key. The stream extends by keyed rehashing for names longer
// than one digest.
func (c *Codec) nameStream(buf []byte) {
	block := blake2b.Sum512(c.nameKey[:])

	for off := 0; off < len(buf); off += len(block) {
		if off > 0 {
			h, err := blake2b.New512(c.nameKey[:])
			if err != nil {
				panic("zeroknow: keyed blake2b init: " + err.Error())
			}

			h.Write(block[:])
			copy(block[:], h.Sum(nil))
		}

		for i := 0; i < len(block) && off+i < len(buf); i++ {
			buf[off+i] ^= block[i]
		}
	}
}
