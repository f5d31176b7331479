// Package blob stores image files under flat names and maps them to public URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidName = errors.New("invalid blob name")

type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name. A missing object yields an error wrapping fs.ErrNotExist.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	URL(name string) string
	NameFromURL(url string) (string, bool)
}

// urlMapper converts between flat names and URLs under a common prefix.
type urlMapper struct {
	base string
}

func newURLMapper(base string) urlMapper {
	return urlMapper{base: strings.TrimSuffix(base, "/")}
}

func (m urlMapper) URL(name string) string {
	return m.base + "/" + name
}

func (m urlMapper) NameFromURL(url string) (string, bool) {
	name, ok := strings.CutPrefix(url, m.base+"/")
	if !ok || checkName(name) != nil {
		return "", false
	}
	return name, true
}

// checkName keeps the store flat: no separators, no dot-dot.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
