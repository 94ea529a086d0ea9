package sync

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// Cache file identity. A version bump invalidates old caches, which simply
// forces a rescan.
var tableMagic = [4]byte{'C', 'P', 'H', 'T'}

const tableVersion = 1

// TableCacheName is the table cache file inside the cache directory.
const TableCacheName = "table.bin"

// ErrCorruptCache is returned by LoadCache when the cache file cannot be
// trusted; the caller discards it and rescans.
var ErrCorruptCache = errors.New("sync: corrupt table cache")

// maxCachedPathLen bounds a record's path field on load so a corrupt length
// cannot trigger a huge allocation.
const maxCachedPathLen = 4096

// CachePath returns the table cache location for a cloud root.
func (t *HashFileTable) CachePath() string {
	return filepath.Join(t.root, CacheDirName, TableCacheName)
}

// SaveCache persists the table to its cache file, creating the cache
// directory as needed. The write goes through a temp file and rename so a
// crash never leaves a half-written cache.
func (t *HashFileTable) SaveCache() error {
	path := t.CachePath()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("sync: creating cache dir: %w", err)
	}

	tmp := path + TempSuffix

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("sync: creating table cache: %w", err)
	}

	w := bufio.NewWriter(f)

	if err := t.encode(w); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("sync: encoding table cache: %w", err)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("sync: flushing table cache: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("sync: closing table cache: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sync: installing table cache: %w", err)
	}

	return nil
}

// encode writes the header and one record per entry.
func (t *HashFileTable) encode(w io.Writer) error {
	if _, err := w.Write(tableMagic[:]); err != nil {
		return err
	}

	if _, err := w.Write([]byte{tableVersion}); err != nil {
		return err
	}

	for _, e := range t.Elements() {
		if err := writeRecord(w, e); err != nil {
			return err
		}
	}

	return nil
}

// writeRecord emits one variable-length record:
// u64 hash, u32 mtime, u16 pathLen, path, u64 size, u8 isDir.
func writeRecord(w io.Writer, e *Entry) error {
	path := []byte(e.Path)
	if len(path) > maxCachedPathLen {
		return fmt.Errorf("sync: path too long for cache: %d bytes", len(path))
	}

	buf := make([]byte, 0, 8+4+2+len(path)+8+1)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Hash))
	buf = binary.LittleEndian.AppendUint32(buf, e.UnixLastWrite)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Size))

	isDir := byte(0)
	if e.IsDirectory() {
		isDir = 1
	}

	buf = append(buf, isDir)

	_, err := w.Write(buf)

	return err
}

// LoadCache restores the table from its cache file. Any structural problem
// returns ErrCorruptCache; entries whose recomputed hash disagrees with the
// stored one also condemn the cache.
func (t *HashFileTable) LoadCache() error {
	f, err := os.Open(t.CachePath())
	if err != nil {
		return fmt.Errorf("sync: opening table cache: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptCache, err)
	}

	if [4]byte(header[:4]) != tableMagic || header[4] != tableVersion {
		return fmt.Errorf("%w: bad magic or version", ErrCorruptCache)
	}

	t.Reset()

	for {
		e, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			t.Reset()
			return fmt.Errorf("%w: %v", ErrCorruptCache, err)
		}

		if fileid.HashName(e.Path, e.IsDirectory()) != e.Hash {
			t.Reset()
			return fmt.Errorf("%w: hash mismatch for %q", ErrCorruptCache, e.Path)
		}

		e.FullName = filepath.Join(t.root, filepath.FromSlash(e.Path))
		t.Add(e)
	}
}

// readRecord parses one record. io.EOF at a record boundary is clean end.
func readRecord(r *bufio.Reader) (*Entry, error) {
	var fixed [14]byte // hash + mtime + pathLen

	if _, err := io.ReadFull(r, fixed[:1]); err != nil {
		return nil, err // io.EOF here is a clean end of stream
	}

	if _, err := io.ReadFull(r, fixed[1:]); err != nil {
		return nil, fmt.Errorf("record header: %w", err)
	}

	hash := binary.LittleEndian.Uint64(fixed[0:8])
	mtime := binary.LittleEndian.Uint32(fixed[8:12])
	pathLen := int(binary.LittleEndian.Uint16(fixed[12:14]))

	if pathLen == 0 || pathLen > maxCachedPathLen {
		return nil, fmt.Errorf("bad path length %d", pathLen)
	}

	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return nil, fmt.Errorf("record path: %w", err)
	}

	var tail [9]byte // size + isDir
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, fmt.Errorf("record tail: %w", err)
	}

	size := int64(binary.LittleEndian.Uint64(tail[0:8]))

	kind := KindFile
	if tail[8] == 1 {
		kind = KindDirectory
	}

	return &Entry{
		Kind:          kind,
		Path:          string(path),
		Size:          size,
		UnixLastWrite: mtime,
		Hash:          fileid.NameHash(hash),
	}, nil
}
