// Package backup runs one backup cycle for one project: download, compare
// with the newest kept archive, keep or discard.
package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/chmdznr/olbackup/internal/archive"
	"github.com/chmdznr/olbackup/pkg/models"
)

var logger = loggo.GetLogger("olbackup.backup")

// ArchiveSource downloads project exports.
type ArchiveSource interface {
	DownloadArchive(ctx context.Context, projectID string) (io.ReadCloser, int64, error)
}

// Recorder stores cycle outcomes.
type Recorder interface {
	RecordOutcome(rec *models.ArchiveRecord) error
}

// Config holds configuration for the controller
type Config struct {
	// Dir is the backup directory.
	Dir string
	// Policy applies when a kept archive name is already taken.
	Policy archive.CollisionPolicy
	// Clock stamps archive names. Defaults to the wall clock.
	Clock clock.Clock
	// Recorder, when set, receives every outcome.
	Recorder Recorder
	// Mirror marks kept archives as pending upload.
	Mirror bool
	// Progress shows a progress bar while downloading.
	Progress bool
}

// Controller runs backup cycles. It holds no per-project state: the prior
// archive is looked up on disk every time.
type Controller struct {
	source ArchiveSource
	cfg    Config
}

// NewController creates a controller downloading from source.
func NewController(source ArchiveSource, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Policy == "" {
		cfg.Policy = archive.Overwrite
	}
	return &Controller{source: source, cfg: cfg}
}

// RunOne backs up one project. Failures are reported in the outcome, never
// as a panic, and leave no new file behind.
func (c *Controller) RunOne(ctx context.Context, projectID, projectName string) models.Outcome {
	now := c.cfg.Clock.Now()
	out, staged := c.runOne(ctx, projectID, projectName)
	if out.Err != nil {
		out.Err = errors.Annotatef(out.Err, "project %q (%s)", projectName, projectID)
	}
	c.record(projectID, projectName, now, out, staged)
	return out
}

func failed(err error) models.Outcome {
	return models.Outcome{Kind: models.OutcomeFailed, Err: err}
}

func (c *Controller) runOne(ctx context.Context, projectID, projectName string) (models.Outcome, *archive.Staged) {
	body, size, err := c.source.DownloadArchive(ctx, projectID)
	if err != nil {
		return failed(err), nil
	}
	defer body.Close()

	// Looked up before anything is written so the download is never
	// compared with itself.
	prior, found, err := archive.MostRecent(c.cfg.Dir, projectName)
	if err != nil {
		return failed(err), nil
	}

	var r io.Reader = body
	if c.cfg.Progress && size > 0 {
		bar := pb.New64(size)
		bar.Set(pb.Bytes, true)
		bar.Set("name", projectName)
		bar.SetTemplateString(`{{string . "name"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`)
		bar.Start()
		defer bar.Finish()
		r = bar.NewProxyReader(body)
	}

	staged, err := archive.Stage(c.cfg.Dir, r)
	if err != nil {
		return failed(err), nil
	}

	if found {
		same, err := archive.Equivalent(prior, staged.Path())
		if err != nil {
			c.discard(staged)
			return failed(err), staged
		}
		if same {
			logger.Infof("%s has the same contents as %s, discarding", projectName, prior)
			if err := staged.Discard(); err != nil {
				return failed(err), staged
			}
			return models.Outcome{Kind: models.OutcomeDiscarded, Prior: prior}, staged
		}
	} else if err := archive.Validate(staged.Path()); err != nil {
		c.discard(staged)
		return failed(err), staged
	}

	dest, err := archive.ResolvePath(c.cfg.Dir, projectName, c.cfg.Clock.Now(), c.cfg.Policy)
	if err != nil {
		c.discard(staged)
		return failed(err), staged
	}
	if err := staged.Commit(dest); err != nil {
		c.discard(staged)
		return failed(err), staged
	}
	logger.Infof("kept %s (%d bytes)", dest, staged.Size)
	out := models.Outcome{Kind: models.OutcomeKept, Path: dest}
	if found {
		out.Prior = prior
	}
	return out, staged
}

func (c *Controller) discard(staged *archive.Staged) {
	if err := staged.Discard(); err != nil {
		logger.Warningf("%v", err)
	}
}

func (c *Controller) record(projectID, projectName string, at time.Time, out models.Outcome, staged *archive.Staged) {
	if c.cfg.Recorder == nil {
		return
	}
	rec := &models.ArchiveRecord{
		ProjectID:    projectID,
		ProjectName:  projectName,
		Path:         out.Path,
		Outcome:      out.Kind,
		CreatedAt:    at,
		UploadStatus: models.UploadLocal,
	}
	if staged != nil {
		rec.Size = staged.Size
		rec.Digest = staged.Digest
	}
	if out.Err != nil {
		rec.Reason = out.Err.Error()
	}
	if out.Kept() && c.cfg.Mirror {
		rec.UploadStatus = models.UploadPending
	}
	if err := c.cfg.Recorder.RecordOutcome(rec); err != nil {
		logger.Errorf("cannot record outcome of %s: %v", projectName, err)
	}
}

// String renders an outcome as a status line.
func String(projectName string, out models.Outcome) string {
	switch out.Kind {
	case models.OutcomeKept:
		return fmt.Sprintf("Successfully created backup %s", out.Path)
	case models.OutcomeDiscarded:
		return fmt.Sprintf("Backup of %s has the same contents as %s, removed", projectName, out.Prior)
	default:
		return fmt.Sprintf("Backup of %s failed: %v", projectName, out.Err)
	}
}
