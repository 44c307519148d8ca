package blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactKeyLayout(t *testing.T) {
	start := time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)
	key := ArtifactKey("node-a", "job-1", "run-9", start)
	assert.Equal(t, "artifacts/node-a/job-1/2026/03/07/run-9.tar.gz", key)
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := ArtifactKey("node-a", "job-1", "run-1", time.Now())
	url, err := l.Put(ctx, key, strings.NewReader("payload"), 7)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	rc, err := l.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, l.Delete(ctx, key))
	_, err = l.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.Delete(ctx, key), ErrNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	_, err = l.Put(context.Background(), "../escape.tar.gz", strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestLocalOverwrite(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := "artifacts/n/j/2026/01/01/r.tar.gz"
	_, err = l.Put(ctx, key, strings.NewReader("first"), 5)
	require.NoError(t, err)
	_, err = l.Put(ctx, key, strings.NewReader("second"), 6)
	require.NoError(t, err)

	rc, err := l.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}
