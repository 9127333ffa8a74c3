// Package storage implements the FileSource/FileSink collaborators named in
// spec §6: the transfer layer reads bytes from a FileSource and writes them,
// strictly in order, to a FileSink. Both are backed by afero so production
// code touches a real directory while tests substitute an in-memory
// afero.MemMapFs, the same substitution pattern the teacher uses its
// filesystem abstraction for.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const osCreateFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC

// ErrInvalidFilename is returned by ValidateFilename for names that cannot
// safely resolve within the server's storage directory.
var ErrInvalidFilename = errors.New("storage: invalid filename")

// FileSource is the read side of a transfer (spec §6): size in bytes, and
// offset-addressed reads up to maxBytes, signaling end-of-file with io.EOF.
type FileSource interface {
	Size() int64
	ReadAt(ctx context.Context, offset int64, maxBytes int) ([]byte, error)
	Close() error
}

// FileSink is the write side of a transfer (spec §6). Appends are strictly
// sequential; Finalize commits the transfer, Abort discards it. Both are
// idempotent no-ops once the sink has already been finalized or aborted.
type FileSink interface {
	Append(ctx context.Context, b []byte) error
	Finalize(ctx context.Context) error
	Abort(ctx context.Context) error
}

// ValidateFilename rejects empty names, path separators, and traversal
// components, so a client can never request or write outside dir. Wrapped
// with github.com/pkg/errors so ErrInvalidFilename survives as the Cause
// for errors.Is while the message still carries which rule tripped.
func ValidateFilename(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidFilename, "empty")
	}
	if name != filepath.Base(name) {
		return errors.Wrapf(ErrInvalidFilename, "%q escapes the storage directory", name)
	}
	if name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidFilename, "%q", name)
	}
	if strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidFilename, "%q contains a NUL byte", name)
	}
	return nil
}

// AferoSource serves a DOWNLOAD request's bytes from an existing file.
type AferoSource struct {
	fs   afero.Fs
	f    afero.File
	size int64
}

// OpenSource opens name under dir for reading. name must already have
// passed ValidateFilename.
func OpenSource(fs afero.Fs, dir, name string) (*AferoSource, error) {
	path := filepath.Join(dir, name)
	info, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidFilename, "%q is a directory", name)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	return &AferoSource{fs: fs, f: f, size: info.Size()}, nil
}

func (s *AferoSource) Size() int64 { return s.size }

// ReadAt reads up to maxBytes at offset, returning io.EOF once offset has
// reached the end of the file (with any trailing bytes returned alongside
// the error, per io.ReaderAt convention relaxed for the final short read).
func (s *AferoSource) ReadAt(ctx context.Context, offset int64, maxBytes int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset >= s.size {
		return nil, io.EOF
	}
	buf := make([]byte, maxBytes)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 && err == nil {
		err = io.EOF
	}
	return buf[:n], err
}

func (s *AferoSource) Close() error { return s.f.Close() }

// AferoSink receives an UPLOAD's bytes into a temp file, renamed atomically
// into place on Finalize (spec §9, Open Question b): concurrent uploads to
// the same name never interleave or corrupt one another's bytes because
// each writer owns a distinct temp path until the rename.
type AferoSink struct {
	fs       afero.Fs
	dir      string
	name     string
	tempPath string
	f        afero.File
	done     bool
}

// CreateSink opens a fresh temp file under dir for an UPLOAD of name. name
// must already have passed ValidateFilename.
func CreateSink(fs afero.Fs, dir, name string) (*AferoSink, error) {
	tempName := fmt.Sprintf(".%s.part", uuid.NewString())
	tempPath := filepath.Join(dir, tempName)
	f, err := fs.OpenFile(tempPath, osCreateFlags, 0o644)
	if err != nil {
		return nil, err
	}
	return &AferoSink{fs: fs, dir: dir, name: name, tempPath: tempPath, f: f}, nil
}

func (s *AferoSink) Append(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.done {
		return nil
	}
	_, err := s.f.Write(b)
	return err
}

// Finalize closes the temp file and renames it into place at dir/name,
// making the upload visible under its real name atomically.
func (s *AferoSink) Finalize(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.f.Close(); err != nil {
		return err
	}
	return s.fs.Rename(s.tempPath, filepath.Join(s.dir, s.name))
}

// Abort closes and removes the temp file, leaving no trace of a canceled
// or failed upload.
func (s *AferoSink) Abort(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.f.Close()
	return s.fs.Remove(s.tempPath)
}
