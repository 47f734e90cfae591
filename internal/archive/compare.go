// Package archive compares, names, locates and stages project archives on disk.
package archive

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/klauspost/compress/zip"
)

var logger = loggo.GetLogger("olbackup.archive")

// ErrArchiveRead is returned when a file cannot be read as a zip container.
const ErrArchiveRead = errors.ConstError("archive unreadable")

// Ext is the extension of every archive this package manages.
const Ext = ".zip"

// Equivalent reports whether two archives list the same entry names in the
// same order with the same stored CRC32s. Raw bytes are not compared: every
// export embeds fresh timestamps in the container.
func Equivalent(oldPath, newPath string) (bool, error) {
	oldZip, err := zip.OpenReader(oldPath)
	if err != nil {
		return false, errors.Annotatef(ErrArchiveRead, "opening %s: %v", oldPath, err)
	}
	defer oldZip.Close()

	newZip, err := zip.OpenReader(newPath)
	if err != nil {
		return false, errors.Annotatef(ErrArchiveRead, "opening %s: %v", newPath, err)
	}
	defer newZip.Close()

	return sameEntries(oldZip.File, newZip.File), nil
}

func sameEntries(a, b []*zip.File) bool {
	if len(a) != len(b) {
		logger.Debugf("entry count differs: %d != %d", len(a), len(b))
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			logger.Debugf("entry %d differs: %q != %q", i, a[i].Name, b[i].Name)
			return false
		}
	}
	for i := range a {
		if a[i].CRC32 != b[i].CRC32 {
			logger.Debugf("checksum of %q differs", a[i].Name)
			return false
		}
	}
	return true
}

// Validate checks that path opens as a zip container.
func Validate(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Annotatef(ErrArchiveRead, "opening %s: %v", path, err)
	}
	return r.Close()
}
