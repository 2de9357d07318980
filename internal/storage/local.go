package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// File describes a stored upload.
type File struct {
	URL  string
	Name string
	Type string
	Size int64
}

// Local keeps uploads in a directory served under urlPrefix.
type Local struct {
	dir       string
	urlPrefix string
}

func NewLocal(dir, urlPrefix string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (l *Local) Dir() string { return l.dir }

// Save writes r under a fresh name. The MIME type is sniffed from the content,
// not trusted from the client; the original name is kept for display only.
func (l *Local) Save(originalName string, r io.ReadSeeker) (*File, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("detect mime type: %w", err)
	}
	// DetectReader consumed a prefix of r.
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}

	name := uuid.NewString() + mtype.Extension()
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(l.dir, name))
		return nil, fmt.Errorf("write upload: %w", err)
	}

	return &File{
		URL:  l.urlPrefix + "/" + name,
		Name: filepath.Base(originalName),
		Type: mtype.String(),
		Size: size,
	}, nil
}

// Remove deletes a file previously returned by Save.
func (l *Local) Remove(f *File) error {
	name := strings.TrimPrefix(f.URL, l.urlPrefix+"/")
	if name == f.URL || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("not a local upload: %s", f.URL)
	}
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}
