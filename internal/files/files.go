// Package files stores original and annotated images on disk under
// <out>/orig and <out>/anno. Stored names are "<unix-ms>[_<index>]<ext>".
package files

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/kalambet/drinkwatch/internal/storage"
)

var (
	ErrEmptyFile   = errors.New("input file was empty")
	ErrExists      = errors.New("file already exists")
	ErrInvalidName = errors.New("invalid file name")
	ErrUnknownType = errors.New("unknown mime type")
)

// Store reads and writes image files. It never interprets their contents.
type Store struct {
	dirs map[storage.FileKind]string
}

// New creates the orig and anno directories under outDir.
func New(outDir string) (*Store, error) {
	s := &Store{dirs: map[storage.FileKind]string{
		storage.KindOriginal:  filepath.Join(outDir, "orig"),
		storage.KindAnnotated: filepath.Join(outDir, "anno"),
	}}
	for _, dir := range s.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return s, nil
}

// Name builds the stored file name for a file taken at t. index 0 means the
// file is the only one of its capture.
func Name(t time.Time, index int, ext string) string {
	ts := strconv.FormatInt(t.UnixMilli(), 10)
	if index > 0 {
		ts += "_" + strconv.Itoa(index)
	}
	return ts + ext
}

// Write stores data and returns its name.
func (s *Store) Write(kind storage.FileKind, data []byte, ext string, t time.Time, index int) (string, error) {
	return s.WriteFrom(kind, bytes.NewReader(data), ext, t, index)
}

// WriteFrom copies r to a new file. An empty input is rejected and leaves
// nothing behind.
func (s *Store) WriteFrom(kind storage.FileKind, r io.Reader, ext string, t time.Time, index int) (string, error) {
	name := Name(t, index, ext)
	if err := s.Put(kind, name, r); err != nil {
		return "", err
	}
	return name, nil
}

// maxNameAttempts bounds how far WriteNew moves a name's timestamp forward.
const maxNameAttempts = 1000

// WriteNew is WriteFrom for names that only need to be unique: when the name
// for t is taken, the timestamp is moved forward a millisecond at a time.
func (s *Store) WriteNew(kind storage.FileKind, r io.Reader, ext string, t time.Time, index int) (string, error) {
	for range maxNameAttempts {
		name, err := s.WriteFrom(kind, r, ext, t, index)
		if !errors.Is(err, ErrExists) {
			return name, err
		}
		t = t.Add(time.Millisecond)
	}
	return "", fmt.Errorf("no free name for %s: %w", Name(t, index, ext), ErrExists)
}

// Put stores r under an explicit name. Annotated outputs reuse the name of
// the original they were made from.
func (s *Store) Put(kind storage.FileKind, name string, r io.Reader) error {
	path, err := s.Path(kind, name)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrExists)
		}
		return fmt.Errorf("creating %s: %w", name, err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyFile
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Read returns the contents of a stored file.
func (s *Store) Read(kind storage.FileKind, name string) ([]byte, error) {
	path, err := s.Path(kind, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes a stored file. Missing files are not an error.
func (s *Store) Remove(kind storage.FileKind, name string) error {
	path, err := s.Path(kind, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Path resolves name inside the kind's directory, rejecting names that
// would escape it.
func (s *Store) Path(kind storage.FileKind, name string) (string, error) {
	dir, ok := s.dirs[kind]
	if !ok {
		return "", fmt.Errorf("invalid file kind %q", kind)
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return filepath.Join(dir, name), nil
}

// preferredExt picks stable extensions for common image types; the mime
// table's first choice for image/jpeg varies by platform.
var preferredExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ExtensionFor maps a mime type such as "image/png" to a file extension.
func ExtensionFor(mimeType string) (string, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%q: %w", mimeType, ErrUnknownType)
	}
	if ext, ok := preferredExt[mt]; ok {
		return ext, nil
	}
	exts, err := mime.ExtensionsByType(mt)
	if err != nil || len(exts) == 0 {
		return "", fmt.Errorf("%q: %w", mimeType, ErrUnknownType)
	}
	slices.Sort(exts)
	return exts[0], nil
}
