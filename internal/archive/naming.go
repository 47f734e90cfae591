package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
)

// CollisionPolicy decides what happens when an archive name is already taken,
// which occurs when a project is backed up twice within the same minute.
type CollisionPolicy string

const (
	// Overwrite replaces the existing archive.
	Overwrite CollisionPolicy = "overwrite"
	// Suffix appends -2, -3, ... to the new archive name.
	Suffix CollisionPolicy = "suffix"
)

// ParseCollisionPolicy accepts "overwrite", "suffix" or "" (overwrite).
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", Overwrite:
		return Overwrite, nil
	case Suffix:
		return Suffix, nil
	default:
		return "", errors.NotValidf("collision policy %q", s)
	}
}

// stampPattern matches what FileName puts between "<name>_" and Ext.
var stampPattern = regexp.MustCompile(`^\d{1,2}-\d{1,2}-\d{4}-\d{1,2}-\d{1,2}(-\d+)?$`)

// FileName returns <projectName>_<day>-<month>-<year>-<hour>-<minute>.zip.
// Path separators in the project name are replaced with '-'.
func FileName(projectName string, t time.Time) string {
	return fmt.Sprintf("%s_%d-%d-%d-%d-%d%s",
		safeName(projectName), t.Day(), int(t.Month()), t.Year(), t.Hour(), t.Minute(), Ext)
}

func safeName(projectName string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '-'
		}
		return r
	}, projectName)
}

// belongsTo reports whether fileName is an archive of projectName.
func belongsTo(fileName, projectName string) bool {
	prefix := safeName(projectName) + "_"
	if !strings.HasPrefix(fileName, prefix) || !strings.HasSuffix(fileName, Ext) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(fileName, prefix), Ext)
	return stampPattern.MatchString(stamp)
}

// ResolvePath returns the path a new archive of projectName taken at t
// should be written to, honouring policy when the name already exists.
func ResolvePath(dir, projectName string, t time.Time, policy CollisionPolicy) (string, error) {
	path := filepath.Join(dir, FileName(projectName, t))
	if policy != Suffix {
		return path, nil
	}
	base := strings.TrimSuffix(path, Ext)
	for n := 1; ; n++ {
		candidate := path
		if n > 1 {
			candidate = fmt.Sprintf("%s-%d%s", base, n, Ext)
		}
		_, err := os.Lstat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", errors.Annotatef(err, "checking %s", candidate)
		}
	}
}
