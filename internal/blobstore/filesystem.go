package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// filesystemProvider keeps blobs as flat files under a directory. Writes go
// through a temp file and rename so a failed upload never leaves a partial
// blob behind.
type filesystemProvider struct {
	name string
	dir  string
}

func newFilesystemProvider(name, dir string) (*filesystemProvider, error) {
	if dir == "" {
		return nil, errors.New("filesystem provider needs a path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &filesystemProvider{name: name, dir: dir}, nil
}

func (p *filesystemProvider) Name() string {
	return p.name
}

func (p *filesystemProvider) path(key string) string {
	return filepath.Join(p.dir, filepath.Base(key))
}

func (p *filesystemProvider) Put(ctx context.Context, key string, r io.Reader) error {
	tmp, err := os.CreateTemp(p.dir, ".upload-*")
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
		return errors.Wrap(err, "writing blob")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), p.path(key)))
}

func (p *filesystemProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(p.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (p *filesystemProvider) Delete(ctx context.Context, key string) error {
	err := os.Remove(p.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.WithStack(err)
}

// UsageFraction sums the stored blobs against the configured ceiling. Core
// dumps are few and large, so the walk is cheap relative to the uploads.
func (p *filesystemProvider) UsageFraction(maxMB int64) (float64, error) {
	if maxMB <= 0 {
		return 0, nil
	}
	var total int64
	err := filepath.Walk(p.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return float64(total) / float64(maxMB*1024*1024), nil
}
