package utils

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
)

// FormatSize renders a byte count with binary units.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(bytes))
}

// ParseSize parses a human readable byte count such as "2MB" or "512 KiB".
// An empty string means zero.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid size %q", s)
	}
	return int64(n), nil
}

// FormatDuration renders d rounded to the second, e.g. "1h2m3s".
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// FormatAge renders how long ago t was, e.g. "3 minutes ago".
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
