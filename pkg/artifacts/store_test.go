package artifacts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("captured tool output, too large for the ledger")
	ref, err := s.Put(content)
	require.NoError(t, err)
	assert.Contains(t, ref, "sha256:")
	assert.True(t, s.Has(ref))

	got, err := s.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ref1, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	ref2, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestGetMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("sha256:" + strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidRef(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("md5:deadbeef")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = s.Path("sha256:short")
	assert.ErrorIs(t, err, ErrInvalidRef)
	assert.False(t, s.Has("not-a-ref"))
}
