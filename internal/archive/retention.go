package archive

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
)

// MostRecent returns the archive of projectName in dir with the newest
// modification time. found is false when there is none, including when dir
// does not exist yet. Nothing is cached between calls.
func MostRecent(dir, projectName string) (path string, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Annotatef(err, "listing %s", dir)
	}

	var newest time.Time
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !belongsTo(entry.Name(), projectName) {
			continue
		}
		info, err := entry.Info()
		if os.IsNotExist(err) {
			// removed while listing
			continue
		}
		if err != nil {
			return "", false, errors.Annotatef(err, "stat %s", entry.Name())
		}
		if !found || info.ModTime().After(newest) {
			path = filepath.Join(dir, entry.Name())
			newest = info.ModTime()
			found = true
		}
	}
	return path, found, nil
}
