package share

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFile(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	path := filepath.Join(t.TempDir(), "family.share")
	body := "# family photo share\n\n" + id.String() + "\nalice@host\nbob@host\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	g, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "family", g.Name)
	assert.Equal(t, id, g.ID)
	assert.Equal(t, []string{"alice@host", "bob@host"}, g.Members)
}

func TestParseFile_MissingGUID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.share")
	require.NoError(t, os.WriteFile(path, []byte("# only comments\n"), 0o600))

	_, err := ParseFile(path)
	assert.ErrorIs(t, err, ErrMissingGUID)
}

func TestParseFile_BadGUID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.share")
	require.NoError(t, os.WriteFile(path, []byte("not-a-guid\n"), 0o600))

	_, err := ParseFile(path)
	require.Error(t, err)
}

func TestWriteFile_RoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGroup("work", "carol@host")
	path := filepath.Join(t.TempDir(), "work.share")
	require.NoError(t, g.WriteFile(path))

	back, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.ID, back.ID)
	assert.Equal(t, g.Members, back.Members)
	assert.Equal(t, "work", back.Name)
}
