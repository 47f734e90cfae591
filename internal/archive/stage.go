package archive

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/juju/errors"
	"golang.org/x/crypto/blake2b"
)

// Staged is a downloaded archive held in a hidden temporary file next to its
// final location. The temporary name never matches an archive name, so
// MostRecent cannot pick up a half-written download.
type Staged struct {
	path   string
	Size   int64
	Digest string
}

// Stage copies r into a temporary file inside dir, creating dir if needed.
// On any error the temporary file is removed.
func Stage(dir string, r io.Reader) (_ *Staged, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating %s", dir)
	}
	f, err := os.CreateTemp(dir, ".olbackup-*.part")
	if err != nil {
		return nil, errors.Annotatef(err, "creating temporary file in %s", dir)
	}
	defer func() {
		if err != nil {
			f.Close()
			if rmErr := os.Remove(f.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warningf("cannot remove %s: %v", f.Name(), rmErr)
			}
		}
	}()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	size, err := io.Copy(io.MultiWriter(f, hash), r)
	if err != nil {
		return nil, errors.Annotatef(err, "writing %s", f.Name())
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Annotatef(err, "syncing %s", f.Name())
	}
	if err := f.Close(); err != nil {
		return nil, errors.Annotatef(err, "closing %s", f.Name())
	}
	return &Staged{
		path:   f.Name(),
		Size:   size,
		Digest: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Path returns the temporary location of the staged archive.
func (s *Staged) Path() string { return s.path }

// Commit moves the staged archive to dest.
func (s *Staged) Commit(dest string) error {
	if err := os.Rename(s.path, dest); err != nil {
		return errors.Annotatef(err, "moving %s to %s", s.path, dest)
	}
	s.path = dest
	return nil
}

// Discard removes the staged archive.
func (s *Staged) Discard() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "removing %s", s.path)
	}
	return nil
}
