package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/olbackup/internal/archive"
)

func parse(t *testing.T, content string) (*Config, error) {
	t.Helper()
	return Parse(strings.NewReader(content))
}

func TestParseSimple(t *testing.T) {
	cfg, err := parse(t, "EMAIL=someone@gmail.com\nPASSWORD=password\nPROJECT_IDS=abc123\n")
	require.NoError(t, err)

	assert.Equal(t, "someone@gmail.com", cfg.Email)
	assert.Equal(t, "password", cfg.Password)
	assert.Equal(t, []string{"abc123"}, cfg.ProjectIDs.SortedValues())
	assert.Equal(t, "http://localhost", cfg.URL)
	assert.Equal(t, "backups", cfg.BackupDir)
	assert.Equal(t, filepath.Join("backups", "olbackup.db"), cfg.LedgerPath)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, archive.Overwrite, cfg.Collision)
	assert.False(t, cfg.MinIO.Enabled())
}

func TestParseWhitespace(t *testing.T) {
	cfg, err := parse(t, "  EMAIL = someone@gmail.com  \n\n   PASSWORD=  password\nPROJECT_IDS = a , b,,c \n")
	require.NoError(t, err)

	assert.Equal(t, "someone@gmail.com", cfg.Email)
	assert.Equal(t, "password", cfg.Password)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ProjectIDs.SortedValues())
}

func TestParseComments(t *testing.T) {
	cfg, err := parse(t, "# credentials\nEMAIL=someone@gmail.com\n# PASSWORD=old\nPASSWORD=\"new pass\" # rotated\n")
	require.NoError(t, err)

	assert.Equal(t, "new pass", cfg.Password)
	assert.True(t, cfg.ProjectIDs.IsEmpty())
}

func TestParseMultipleProjects(t *testing.T) {
	cfg, err := parse(t, "EMAIL=a@b.c\nPASSWORD=pw\nPROJECT_IDS=p1,p2,p3,p2\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, cfg.ProjectIDs.SortedValues())
}

func TestParseSingleProjectAlias(t *testing.T) {
	cfg, err := parse(t, "EMAIL=a@b.c\nPASSWORD=pw\nPROJECT_ID=solo\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, cfg.ProjectIDs.SortedValues())

	cfg, err = parse(t, "EMAIL=a@b.c\nPASSWORD=pw\nPROJECT_ID=solo\nPROJECT_IDS=x,y\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.ProjectIDs.SortedValues())
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	cfg, err := parse(t, "EMAIL=a@b.c\nFOO=bar\nPASSWORD=pw\nEMAILS=other@b.c\n")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", cfg.Email)
}

func TestParseLastValueWins(t *testing.T) {
	cfg, err := parse(t, "EMAIL=first@b.c\nPASSWORD=pw\nEMAIL=second@b.c\n")
	require.NoError(t, err)
	assert.Equal(t, "second@b.c", cfg.Email)
}

func TestParseValidCharacters(t *testing.T) {
	cfg, err := parse(t, "EMAIL=first.last+tag_x-y@mail.example.org\nPASSWORD='Ab1@#%^&+=* z'\n")
	require.NoError(t, err)
	assert.Equal(t, "first.last+tag_x-y@mail.example.org", cfg.Email)
	assert.Equal(t, "Ab1@#%^&+=* z", cfg.Password)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing email", "PASSWORD=pw\n"},
		{"missing password", "EMAIL=a@b.c\n"},
		{"invalid email", "EMAIL=a@b.c\nPASSWORD=pw\nEMAIL=\" @gmail.com\"\n"},
		{"invalid password", "EMAIL=a@b.c\nPASSWORD=\"???\"\n"},
		{"bad interval", "EMAIL=a@b.c\nPASSWORD=pw\nINTERVAL=soon\n"},
		{"zero interval", "EMAIL=a@b.c\nPASSWORD=pw\nINTERVAL=0s\n"},
		{"bad policy", "EMAIL=a@b.c\nPASSWORD=pw\nCOLLISION_POLICY=append\n"},
		{"bad rate limit", "EMAIL=a@b.c\nPASSWORD=pw\nRATE_LIMIT=fast\n"},
		{"mirror without keys", "EMAIL=a@b.c\nPASSWORD=pw\nMINIO_ENDPOINT=localhost:9000\nMINIO_BUCKET=b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.content)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
		})
	}
}

func TestParseDoesNotEchoPassword(t *testing.T) {
	_, err := parse(t, "EMAIL=a@b.c\nPASSWORD=\"secret!\"\n")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestParseOptionalSettings(t *testing.T) {
	cfg, err := parse(t, strings.Join([]string{
		"EMAIL=a@b.c",
		"PASSWORD=pw",
		"URL=https://overleaf.example.org",
		"BACKUP_DIR=/srv/backups",
		"INTERVAL=90s",
		"COLLISION_POLICY=suffix",
		"COOKIE_FILE=/srv/cookies.json",
		"RATE_LIMIT=1MiB",
		"MINIO_ENDPOINT=localhost:9000",
		"MINIO_BUCKET=papers",
		"MINIO_FOLDER=/overleaf/",
		"MINIO_ACCESS_KEY=ak",
		"MINIO_SECRET_KEY=sk",
		"MINIO_INSECURE=true",
	}, "\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://overleaf.example.org", cfg.URL)
	assert.Equal(t, "/srv/backups", cfg.BackupDir)
	assert.Equal(t, filepath.Join("/srv/backups", "olbackup.db"), cfg.LedgerPath)
	assert.Equal(t, 90*time.Second, cfg.Interval)
	assert.Equal(t, archive.Suffix, cfg.Collision)
	assert.Equal(t, "/srv/cookies.json", cfg.CookieFile)
	assert.Equal(t, int64(1<<20), cfg.RateLimit)
	assert.True(t, cfg.MinIO.Enabled())
	assert.Equal(t, "overleaf", cfg.MinIO.Folder)
	assert.True(t, cfg.MinIO.Insecure)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("EMAIL=a@b.c\nPASSWORD=pw\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", cfg.Email)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestAllProjectsNoticeLoggedOnce(t *testing.T) {
	writer := &loggo.TestWriter{}
	require.NoError(t, loggo.RegisterWriter("config-test", writer))
	defer loggo.RemoveWriter("config-test")
	level := logger.LogLevel()
	logger.SetLogLevel(loggo.INFO)
	defer logger.SetLogLevel(level)

	cfg, err := parse(t, "EMAIL=a@b.c\nPASSWORD=pw\n")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	notices := 0
	for _, entry := range writer.Log() {
		if strings.Contains(entry.Message, "no PROJECT_IDS") {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}
