package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local keeps files in a single directory on disk.
type Local struct {
	urlMapper
	dir string
}

var _ Store = (*Local)(nil)

func NewLocal(dir, publicBaseURL string) (*Local, error) {
	const op = "blob.NewLocal"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Local{urlMapper: newURLMapper(publicBaseURL), dir: dir}, nil
}

func (l *Local) Dir() string {
	return l.dir
}

// Put writes via a temp file and rename so readers never see a partial image.
func (l *Local) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	const op = "blob.Local.Put"
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	f, err := os.CreateTemp(l.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return l.URL(name), nil
}

func (l *Local) Get(_ context.Context, name string) ([]byte, error) {
	const op = "blob.Local.Get"
	if err := checkName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, name string) error {
	const op = "blob.Local.Delete"
	if err := checkName(name); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	const op = "blob.Local.Exists"
	if err := checkName(name); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err := os.Stat(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
