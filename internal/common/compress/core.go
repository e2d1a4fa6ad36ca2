// Package compress handles the wire encoding of submitted core dumps. The
// crash reporter uploads cores as base64-encoded gzip streams; the retracer
// needs them back on disk as plain ELF cores before the symbolicator can be
// pointed at them.
package compress

import (
	"compress/gzip"
	"encoding/base64"
	"io"
	"os"

	"github.com/pkg/errors"
)

// DecodeCore streams a base64-encoded, gzip-compressed core out of r and
// writes the decoded bytes to w. It returns the number of decoded bytes.
func DecodeCore(r io.Reader, w io.Writer) (int64, error) {
	b64 := base64.NewDecoder(base64.StdEncoding, r)
	gz, err := gzip.NewReader(b64)
	if err != nil {
		return 0, errors.Wrap(err, "core is not a gzip stream")
	}
	defer gz.Close()
	n, err := io.Copy(w, gz)
	if err != nil {
		return n, errors.Wrap(err, "truncated core")
	}
	return n, nil
}

// DecodeCoreToFile decodes a core into a fresh temporary file under dir and
// returns its path. The caller owns the file and must remove it.
func DecodeCoreToFile(r io.Reader, dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if _, err := DecodeCore(r, f); err != nil {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errors.WithStack(err)
	}
	return f.Name(), nil
}

// EncodeCore is the inverse of DecodeCore. It exists for tests and for the
// fake client in the e2e harness; production clients encode on the wire.
func EncodeCore(r io.Reader, w io.Writer) error {
	b64 := base64.NewEncoder(base64.StdEncoding, w)
	gz := gzip.NewWriter(b64)
	if _, err := io.Copy(gz, r); err != nil {
		return errors.WithStack(err)
	}
	if err := gz.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(b64.Close())
}
