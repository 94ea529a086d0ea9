package zeroknow

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()

	c, err := NewCodec([]byte("correct horse battery staple"))
	require.NoError(t, err)

	return c
}

func TestNewCodec_RejectsEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := NewCodec(nil)
	require.Error(t, err)
}

func TestFileKey_MtimeChangesKey(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	k1 := c.FileKey("docs/report.txt", 100)
	k2 := c.FileKey("docs/report.txt", 101)
	k3 := c.FileKey("docs/other.txt", 100)

	assert.NotEqual(t, k1, k2, "overwrite must produce a fresh keystream")
	assert.NotEqual(t, k1, k3)
}

func TestFileStream_RoundTrip(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	sizes := []int{0, 1, 7, 8, 9, 63, 64, 65, 512, 4096 + 13}

	for _, n := range sizes {
		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte(i * 31)
		}

		data := bytes.Clone(plain)
		c.NewFileStream("a/b.bin", 42).Apply(data)

		if n > 0 {
			assert.NotEqual(t, plain, data, "size %d: ciphertext equals plaintext", n)
		}

		c.NewFileStream("a/b.bin", 42).Apply(data)
		assert.Equal(t, plain, data, "size %d: round trip diverged", n)
	}
}

// TestFileStream_SplitInvariant checks that feeding a file through Apply in
// arbitrary pieces yields the same ciphertext as one pass, which the chunked
// transfer path relies on.
func TestFileStream_SplitInvariant(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	plain := make([]byte, 200)
	for i := range plain {
		plain[i] = byte(i)
	}

	whole := bytes.Clone(plain)
	c.NewFileStream("x", 7).Apply(whole)

	for _, cut := range []int{1, 3, 8, 17, 64, 100, 199} {
		split := bytes.Clone(plain)
		fs := c.NewFileStream("x", 7)
		fs.Apply(split[:cut])
		fs.Apply(split[cut:])

		assert.Equal(t, whole, split, "cut at %d diverged", cut)
	}
}

func TestObfuscateName_RoundTrip(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	names := []string{"report.txt", ".hidden", "a", "файл с пробелами.md", ".x"}

	for _, name := range names {
		enc := c.ObfuscateName(name)
		require.True(t, HasSentinel(enc), "%q: missing sentinel", name)
		assert.NotEqual(t, name, enc)

		dec, err := c.DeobfuscateName(enc)
		require.NoError(t, err)
		assert.Equal(t, name, dec)
	}
}

func TestObfuscateName_PreservesLeadingDot(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	enc := c.ObfuscateName(".hidden")
	assert.True(t, strings.HasPrefix(enc, "."))

	dec, err := c.DeobfuscateName(enc)
	require.NoError(t, err)
	assert.Equal(t, ".hidden", dec)
}

func TestDeobfuscateName_Errors(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	_, err := c.DeobfuscateName("plain.txt")
	assert.ErrorIs(t, err, ErrNotObfuscated)

	_, err = c.DeobfuscateName("zz" + string(Sentinel))
	assert.ErrorIs(t, err, ErrBadGlyph)
}

func TestObfuscatePath_FullRoundTrip(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	const path = "docs/.hidden/report.txt"

	enc := c.ObfuscatePath(path)
	parts := strings.Split(enc, "/")
	require.Len(t, parts, 3)

	for i, part := range parts {
		assert.True(t, HasSentinel(part), "component %d: missing sentinel", i)
	}

	assert.True(t, strings.HasPrefix(parts[1], "."), "hidden component lost its dot")

	dec, err := c.DeobfuscatePath(enc)
	require.NoError(t, err)
	assert.Equal(t, path, dec)
}

func TestObfuscatePath_SpecialNamesStayClear(t *testing.T) {
	t.Parallel()
	c := testCodec(t)

	enc := c.ObfuscatePath(".cloud_cache/table.bin")
	assert.Equal(t, ".cloud_cache/table.bin", enc, "special tree must stay browseable")

	// Clear-ness cascades: everything below a clear component stays clear.
	enc = c.ObfuscatePath("docs/.cloud_cache/x/y")
	parts := strings.Split(enc, "/")
	assert.True(t, HasSentinel(parts[0]))
	assert.Equal(t, ".cloud_cache", parts[1])
	assert.Equal(t, "x", parts[2])
	assert.Equal(t, "y", parts[3])
}

func TestObfuscatePath_StableAcrossCodecs(t *testing.T) {
	t.Parallel()

	c1, err := NewCodec([]byte("same key"))
	require.NoError(t, err)
	c2, err := NewCodec([]byte("same key"))
	require.NoError(t, err)

	assert.Equal(t, c1.ObfuscatePath("a/b/c"), c2.ObfuscatePath("a/b/c"))
}
