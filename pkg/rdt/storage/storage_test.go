package storage

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilename(t *testing.T) {
	assert.NoError(t, ValidateFilename("report.pdf"))
	assert.Error(t, ValidateFilename(""))
	assert.Error(t, ValidateFilename("../escape.txt"))
	assert.Error(t, ValidateFilename("sub/dir.txt"))
	assert.Error(t, ValidateFilename("."))
	assert.Error(t, ValidateFilename(".."))
}

func TestAferoSourceReadAtChunksAndEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/hello.txt", []byte("hello world"), 0o644))

	src, err := OpenSource(fs, "/data", "hello.txt")
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(11), src.Size())

	ctx := context.Background()
	b, err := src.ReadAt(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b, err = src.ReadAt(ctx, 5, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte(" world"), b)

	_, err = src.ReadAt(ctx, 11, 6)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAferoSinkFinalizeRenamesIntoPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))

	sink, err := CreateSink(fs, "/data", "upload.bin")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, []byte("chunk-one-")))
	require.NoError(t, sink.Append(ctx, []byte("chunk-two")))

	// The final name must not exist until Finalize runs.
	exists, err := afero.Exists(fs, "/data/upload.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, sink.Finalize(ctx))

	got, err := afero.ReadFile(fs, "/data/upload.bin")
	require.NoError(t, err)
	assert.Equal(t, "chunk-one-chunk-two", string(got))

	// Finalize is idempotent.
	assert.NoError(t, sink.Finalize(ctx))
}

func TestAferoSinkAbortRemovesTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))

	sink, err := CreateSink(fs, "/data", "upload.bin")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, []byte("partial")))
	require.NoError(t, sink.Abort(ctx))

	exists, err := afero.Exists(fs, "/data/upload.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Abort is idempotent.
	assert.NoError(t, sink.Abort(ctx))
}

func TestConcurrentUploadsToSameNameDoNotCollide(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	ctx := context.Background()

	first, err := CreateSink(fs, "/data", "same.txt")
	require.NoError(t, err)
	second, err := CreateSink(fs, "/data", "same.txt")
	require.NoError(t, err)

	require.NoError(t, first.Append(ctx, []byte("first")))
	require.NoError(t, second.Append(ctx, []byte("second")))

	require.NoError(t, first.Finalize(ctx))
	require.NoError(t, second.Finalize(ctx))

	got, err := afero.ReadFile(fs, "/data/same.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}
