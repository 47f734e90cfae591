// Package config loads the credentials file.
package config

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/chmdznr/olbackup/internal/archive"
	"github.com/chmdznr/olbackup/pkg/models"
	"github.com/chmdznr/olbackup/pkg/utils"
)

var logger = loggo.GetLogger("olbackup.config")

// DefaultFile is read when no config path is given.
const DefaultFile = ".env"

var (
	emailPattern    = regexp.MustCompile(`^[A-Za-z0-9@._+-]+$`)
	passwordPattern = regexp.MustCompile(`^[A-Za-z0-9@#$%^&+=* ]+$`)
)

// Config is the typed content of the credentials file.
type Config struct {
	Email      string
	Password   string
	ProjectIDs set.Strings

	URL        string
	BackupDir  string
	Interval   time.Duration
	Collision  archive.CollisionPolicy
	LedgerPath string
	CookieFile string
	RateLimit  int64

	MinIO models.Destination
}

// Load reads and validates the dotenv file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening config %s", path)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse reads dotenv content, applies defaults and validates the result.
// Unknown keys are ignored.
func Parse(r io.Reader) (*Config, error) {
	env, err := godotenv.Parse(r)
	if err != nil {
		return nil, errors.Annotate(err, "parsing")
	}
	cfg, err := fromMap(env)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func fromMap(env map[string]string) (*Config, error) {
	cfg := &Config{
		Email:      env["EMAIL"],
		Password:   env["PASSWORD"],
		ProjectIDs: parseIDs(env),
		URL:        getEnv(env, "URL", "http://localhost"),
		BackupDir:  getEnv(env, "BACKUP_DIR", "backups"),
		CookieFile: env["COOKIE_FILE"],
		MinIO: models.Destination{
			Endpoint:  env["MINIO_ENDPOINT"],
			Bucket:    env["MINIO_BUCKET"],
			Folder:    strings.Trim(env["MINIO_FOLDER"], "/"),
			AccessKey: env["MINIO_ACCESS_KEY"],
			SecretKey: env["MINIO_SECRET_KEY"],
		},
	}
	if cfg.ProjectIDs.IsEmpty() {
		logger.Infof("no PROJECT_IDS configured, backing up every project")
	}
	cfg.LedgerPath = getEnv(env, "LEDGER", filepath.Join(cfg.BackupDir, "olbackup.db"))

	var err error
	if cfg.Interval, err = time.ParseDuration(getEnv(env, "INTERVAL", "5m")); err != nil {
		return nil, errors.NotValidf("INTERVAL %q", env["INTERVAL"])
	}
	if cfg.Collision, err = archive.ParseCollisionPolicy(env["COLLISION_POLICY"]); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.RateLimit, err = utils.ParseSize(env["RATE_LIMIT"]); err != nil {
		return nil, errors.NotValidf("RATE_LIMIT %q", env["RATE_LIMIT"])
	}
	if v := env["MINIO_INSECURE"]; v != "" {
		if cfg.MinIO.Insecure, err = strconv.ParseBool(v); err != nil {
			return nil, errors.NotValidf("MINIO_INSECURE %q", v)
		}
	}
	return cfg, nil
}

// parseIDs reads the comma separated PROJECT_IDS, falling back to the single
// PROJECT_ID key.
func parseIDs(env map[string]string) set.Strings {
	raw, ok := env["PROJECT_IDS"]
	if !ok {
		raw = env["PROJECT_ID"]
	}
	ids := set.NewStrings()
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids.Add(id)
		}
	}
	return ids
}

func getEnv(env map[string]string, key, defaultValue string) string {
	if value := env[key]; value != "" {
		return value
	}
	return defaultValue
}

// Validate checks the postconditions every run relies on. It runs before any
// network activity.
func (c *Config) Validate() error {
	if !emailPattern.MatchString(c.Email) {
		return errors.NotValidf("EMAIL %q", c.Email)
	}
	if !passwordPattern.MatchString(c.Password) {
		// never echo the password
		return errors.NotValidf("PASSWORD")
	}
	if c.BackupDir == "" {
		return errors.NotValidf("empty BACKUP_DIR")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("INTERVAL %s", c.Interval)
	}
	if c.MinIO.Enabled() && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		return errors.NotValidf("MinIO mirror without MINIO_ACCESS_KEY/MINIO_SECRET_KEY")
	}
	return nil
}
