package sync

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/olbackup/pkg/models"
	"github.com/chmdznr/olbackup/pkg/utils"
)

var logger = loggo.GetLogger("olbackup.sync")

// Ledger is the part of the archive ledger the mirror reads and updates.
type Ledger interface {
	GetPendingUploads() ([]models.ArchiveRecord, error)
	UpdateUploadStatusBatch(ids []int64, status string) error
}

// objectStore is satisfied by *minio.Client.
type objectStore interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Syncer mirrors kept archives to a MinIO bucket
type Syncer struct {
	ledger     Ledger
	dest       models.Destination
	store      objectStore
	numWorkers int
	batchSize  int
	progress   bool
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	NumWorkers int
	BatchSize  int
	// Progress shows one progress bar per worker.
	Progress bool
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		NumWorkers: 4,
		BatchSize:  50,
	}
}

// Report summarises one SyncPending call.
type Report struct {
	Uploaded     int
	UploadedSize int64
	Retried      int
	Skipped      int
	Failed       int
	Elapsed      time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("uploaded %d archives (%s), %d retried, %d skipped, %d failed in %s",
		r.Uploaded, utils.FormatSize(r.UploadedSize), r.Retried, r.Skipped, r.Failed,
		utils.FormatDuration(r.Elapsed))
}

// workerProgress tracks progress for a single worker
type workerProgress struct {
	bar *pb.ProgressBar
}

func newWorkerProgress(id int, total int64) *workerProgress {
	bar := pb.New64(total)
	bar.SetTemplateString(`Worker {{string . "id"}} {{counters . }} {{bar . }} {{percent . }}`)
	bar.Set("id", fmt.Sprintf("%d", id))
	return &workerProgress{bar: bar.Start()}
}

func (wp *workerProgress) update() {
	if wp != nil {
		wp.bar.Increment()
	}
}

func (wp *workerProgress) finish() {
	if wp != nil {
		wp.bar.Finish()
	}
}

// NewSyncer creates a syncer that uploads the ledger's pending archives to dest.
func NewSyncer(ledger Ledger, dest models.Destination, config *SyncerConfig) (*Syncer, error) {
	if !dest.Enabled() {
		return nil, errors.NotValidf("MinIO destination without endpoint or bucket")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(dest.AccessKey, dest.SecretKey, ""),
		Secure:       !dest.Insecure,
		Transport:    tr,
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(dest.Endpoint, &opts)
	if err != nil {
		return nil, errors.Annotatef(err, "initializing MinIO client for %s", dest.Endpoint)
	}
	return newSyncer(ledger, client, dest, config), nil
}

func newSyncer(ledger Ledger, store objectStore, dest models.Destination, config *SyncerConfig) *Syncer {
	if config == nil {
		defaultConfig := DefaultSyncerConfig()
		config = &defaultConfig
	}
	s := &Syncer{
		ledger:     ledger,
		dest:       dest,
		store:      store,
		numWorkers: config.NumWorkers,
		batchSize:  config.BatchSize,
		progress:   config.Progress,
	}
	if s.numWorkers < 1 {
		s.numWorkers = 1
	}
	if s.batchSize < 1 {
		s.batchSize = 1
	}
	return s
}

type workItem struct {
	rec     models.ArchiveRecord
	key     string
	isRetry bool
}

type result struct {
	item   workItem
	status string
}

// SyncPending uploads every kept archive whose mirror status is pending or
// failed. Archives no longer on disk are marked skipped. Statuses are written
// back to the ledger in batches.
func (s *Syncer) SyncPending(ctx context.Context) (Report, error) {
	start := time.Now()
	records, err := s.ledger.GetPendingUploads()
	if err != nil {
		return Report{}, errors.Annotate(err, "listing pending uploads")
	}
	if len(records) == 0 {
		logger.Debugf("nothing to mirror")
		return Report{}, nil
	}

	retries := 0
	for _, rec := range records {
		if rec.UploadStatus == models.UploadFailed {
			retries++
		}
	}
	logger.Infof("mirroring %d archives to %s/%s (%d retried)", len(records), s.dest.Bucket, s.dest.Folder, retries)

	jobs := make(chan workItem, s.numWorkers)
	results := make(chan result, s.numWorkers)

	workers := s.numWorkers
	if workers > len(records) {
		workers = len(records)
	}
	perWorker := int64((len(records) + workers - 1) / workers)

	var wg sync.WaitGroup
	bars := make([]*workerProgress, workers)
	for i := 0; i < workers; i++ {
		if s.progress {
			bars[i] = newWorkerProgress(i, perWorker)
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for job := range jobs {
				results <- result{item: job, status: s.upload(ctx, job)}
				bars[id].update()
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, rec := range records {
			item := workItem{
				rec:     rec,
				key:     objectKey(s.dest.Folder, rec.ProjectName, rec.Path),
				isRetry: rec.UploadStatus == models.UploadFailed,
			}
			select {
			case jobs <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	report, err := s.collect(results)
	for _, bar := range bars {
		bar.finish()
	}
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, errors.Trace(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, errors.Annotate(ctxErr, "mirroring interrupted")
	}
	return report, nil
}

// collect drains results, flushing status updates every batchSize rows.
func (s *Syncer) collect(results <-chan result) (Report, error) {
	var (
		report   Report
		firstErr error
	)
	pending := map[string][]int64{}
	flush := func(status string) {
		ids := pending[status]
		if len(ids) == 0 {
			return
		}
		delete(pending, status)
		if err := s.ledger.UpdateUploadStatusBatch(ids, status); err != nil {
			logger.Errorf("marking %d archives %s: %v", len(ids), status, err)
			if firstErr == nil {
				firstErr = errors.Annotatef(err, "marking archives %s", status)
			}
		}
	}

	for res := range results {
		switch res.status {
		case models.UploadUploaded:
			report.Uploaded++
			report.UploadedSize += res.item.rec.Size
			if res.item.isRetry {
				report.Retried++
			}
		case models.UploadSkipped:
			report.Skipped++
		case models.UploadFailed:
			report.Failed++
		}
		pending[res.status] = append(pending[res.status], res.item.rec.ID)
		if len(pending[res.status]) >= s.batchSize {
			flush(res.status)
		}
	}
	for _, status := range []string{models.UploadUploaded, models.UploadSkipped, models.UploadFailed} {
		flush(status)
	}
	return report, firstErr
}

// upload puts one archive and returns its new mirror status.
func (s *Syncer) upload(ctx context.Context, job workItem) string {
	rec := job.rec
	info, err := os.Stat(rec.Path)
	if os.IsNotExist(err) {
		logger.Warningf("skipping %s: file no longer exists", rec.Path)
		return models.UploadSkipped
	}
	if err != nil {
		logger.Errorf("stat %s: %v", rec.Path, err)
		return models.UploadFailed
	}

	opts := minio.PutObjectOptions{
		ContentType: "application/zip",
		UserMetadata: map[string]string{
			"project-id": rec.ProjectID,
			"digest":     rec.Digest,
		},
	}
	objInfo, err := s.store.FPutObject(ctx, s.dest.Bucket, job.key, rec.Path, opts)
	if err != nil {
		logger.Errorf("failed to upload %s to %s/%s: %v", rec.Path, s.dest.Bucket, job.key, err)
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) {
			logger.Debugf("MinIO error code %s: %s", minioErr.Code, minioErr.Message)
		}
		return models.UploadFailed
	}

	if objInfo.Size != info.Size() {
		logger.Errorf("size mismatch for %s: uploaded %d bytes, expected %d", rec.Path, objInfo.Size, info.Size())
		return models.UploadFailed
	}
	logger.Debugf("uploaded %s as %s/%s", rec.Path, s.dest.Bucket, job.key)
	return models.UploadUploaded
}

// objectKey returns <folder>/<projectName>/<file name>, each segment sanitized.
func objectKey(folder, projectName, path string) string {
	parts := []string{}
	if f := strings.Trim(folder, "/"); f != "" {
		parts = append(parts, f)
	}
	parts = append(parts, strings.ReplaceAll(projectName, "/", "-"), filepath.Base(path))
	return strings.TrimPrefix(sanitizePath(strings.Join(parts, "/")), "/")
}

func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		// decode first in case it is already encoded
		decoded, err := url.QueryUnescape(segment)
		if err == nil {
			segment = decoded
		}

		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")

		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
