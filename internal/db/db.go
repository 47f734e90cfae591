package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/olbackup/pkg/models"
)

var logger = loggo.GetLogger("olbackup.db")

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the archive ledger: one row per backup cycle outcome.
type DB struct {
	*sql.DB
}

// New opens (creating if needed) the ledger at path and applies migrations.
func New(path string) (*DB, error) {
	logger.Debugf("opening ledger %s", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating directory for %s", path)
	}
	sqlDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errors.Annotatef(err, "opening %s", path)
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, errors.Trace(err)
	}
	return db, nil
}

// initialize brings the schema up to date.
func (db *DB) initialize() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Annotate(err, "loading migrations")
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return errors.Annotate(err, "preparing migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errors.Annotate(err, "preparing migrations")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Annotate(err, "migrating ledger")
	}
	_, err = db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return errors.Trace(err)
}

// RecordOutcome inserts rec and sets its ID.
func (db *DB) RecordOutcome(rec *models.ArchiveRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UploadStatus == "" {
		rec.UploadStatus = models.UploadLocal
	}
	res, err := db.Exec(`
		INSERT INTO archives (project_id, project_name, path, outcome, size, digest, reason, created_at, upload_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ProjectID,
		rec.ProjectName,
		rec.Path,
		string(rec.Outcome),
		rec.Size,
		rec.Digest,
		rec.Reason,
		rec.CreatedAt.Unix(),
		rec.UploadStatus,
	)
	if err != nil {
		return errors.Annotatef(err, "recording %s outcome of %s", rec.Outcome, rec.ProjectName)
	}
	rec.ID, err = res.LastInsertId()
	return errors.Trace(err)
}

// GetPendingUploads returns kept archives not yet mirrored, including ones
// whose previous upload failed.
func (db *DB) GetPendingUploads() ([]models.ArchiveRecord, error) {
	rows, err := db.Query(`
		SELECT id, project_id, project_name, path, outcome, size, digest, reason, created_at, upload_status
		FROM archives
		WHERE outcome = ? AND upload_status IN (?, ?)
		ORDER BY created_at
	`, string(models.OutcomeKept), models.UploadPending, models.UploadFailed)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var records []models.ArchiveRecord
	for rows.Next() {
		var (
			rec       models.ArchiveRecord
			outcome   string
			createdAt int64
		)
		err = rows.Scan(&rec.ID, &rec.ProjectID, &rec.ProjectName, &rec.Path, &outcome,
			&rec.Size, &rec.Digest, &rec.Reason, &createdAt, &rec.UploadStatus)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rec.Outcome = models.OutcomeKind(outcome)
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, errors.Trace(rows.Err())
}

// UpdateUploadStatus sets the mirror status of one ledger row.
func (db *DB) UpdateUploadStatus(id int64, status string) error {
	if !validStatus(status) {
		return errors.NotValidf("upload status %q", status)
	}
	_, err := db.Exec(`UPDATE archives SET upload_status = ? WHERE id = ?`, status, id)
	return errors.Annotatef(err, "updating upload status of archive %d", id)
}

// UpdateUploadStatusBatch sets the mirror status of several rows in a single transaction.
func (db *DB) UpdateUploadStatusBatch(ids []int64, status string) error {
	if !validStatus(status) {
		return errors.NotValidf("upload status %q", status)
	}
	tx, err := db.Begin()
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE archives SET upload_status = ? WHERE id = ?`)
	if err != nil {
		return errors.Trace(err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err = stmt.Exec(status, id); err != nil {
			return errors.Annotatef(err, "updating upload status of archive %d", id)
		}
	}
	return errors.Trace(tx.Commit())
}

const statsColumns = `
	COUNT(CASE WHEN outcome = 'kept' THEN 1 END),
	COALESCE(SUM(CASE WHEN outcome = 'kept' THEN size ELSE 0 END), 0),
	COUNT(CASE WHEN outcome = 'discarded' THEN 1 END),
	COUNT(CASE WHEN outcome = 'failed' THEN 1 END),
	COUNT(CASE WHEN outcome = 'kept' AND upload_status IN ('pending', 'failed') THEN 1 END),
	COUNT(CASE WHEN upload_status = 'uploaded' THEN 1 END),
	COALESCE(MAX(CASE WHEN outcome = 'kept' THEN created_at END), 0),
	COALESCE(MAX(created_at), 0)`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStats(row scanner, stats *models.Stats, extra ...interface{}) error {
	var lastKept, lastRun int64
	dest := append(extra,
		&stats.KeptArchives,
		&stats.KeptSize,
		&stats.Discarded,
		&stats.Failed,
		&stats.PendingUploads,
		&stats.Uploaded,
		&lastKept,
		&lastRun,
	)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if lastKept > 0 {
		stats.LastKept = time.Unix(lastKept, 0)
	}
	if lastRun > 0 {
		stats.LastRun = time.Unix(lastRun, 0)
	}
	return nil
}

// GetStats returns ledger statistics for one project.
func (db *DB) GetStats(projectName string) (*models.Stats, error) {
	stats := models.Stats{ProjectName: projectName}
	row := db.QueryRow(`SELECT `+statsColumns+` FROM archives WHERE project_name = ?`, projectName)
	if err := scanStats(row, &stats); err != nil {
		return nil, errors.Annotatef(err, "failed to get stats of %s", projectName)
	}
	return &stats, nil
}

// ListStats returns ledger statistics for every project, ordered by name.
func (db *DB) ListStats() ([]models.Stats, error) {
	rows, err := db.Query(`SELECT project_name, ` + statsColumns + ` FROM archives GROUP BY project_name ORDER BY project_name`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var all []models.Stats
	for rows.Next() {
		var stats models.Stats
		if err := scanStats(rows, &stats, &stats.ProjectName); err != nil {
			return nil, errors.Trace(err)
		}
		all = append(all, stats)
	}
	return all, errors.Trace(rows.Err())
}

func validStatus(status string) bool {
	switch status {
	case models.UploadLocal, models.UploadPending, models.UploadUploaded, models.UploadFailed, models.UploadSkipped:
		return true
	}
	return false
}
