package s3

import (
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hupe1980/mutrun/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := t.Context()
	store, err := New(ctx, bucket, WithPrefix(fmt.Sprintf("test-mutrun-%d/", time.Now().UnixNano())))
	require.NoError(t, err)

	data := make([]byte, 1024*1024)
	_, _ = rand.Read(data)

	w, err := store.Create(ctx, "snapshots/test.mrun")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, blobstore.WriteCurrent(ctx, store, "snapshots/test.mrun"))

	name, err := blobstore.ReadCurrent(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/test.mrun", name)

	b, err := store.Open(ctx, name)
	require.NoError(t, err)
	got, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	for _, n := range []string{name, blobstore.CurrentName} {
		require.NoError(t, store.Delete(ctx, n))
	}
	_, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
