// Package detection classifies uploaded face images as real or fake and keeps the
// append-only log of those outcomes.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

// MaxBatchSize caps the number of images in one DetectBatch call.
const MaxBatchSize = 20

const defaultWorkers = 4

// Image is one uploaded file.
type Image struct {
	Filename string
	Data     []byte
}

// Detection is the outcome for one image. ID is zero when the event was not stored.
type Detection struct {
	ID         int64             `json:"id,omitempty"`
	Filename   string            `json:"filename"`
	Result     classifier.Result `json:"result"`
	Metadata   imaging.Metadata  `json:"metadata"`
	DetectedAt time.Time         `json:"detected_at"`
	Saved      bool              `json:"saved"`
}

// BatchItem is the per-file outcome of a batch; exactly one of Detection and Err is set.
type BatchItem struct {
	Filename  string
	Detection *Detection
	Err       error
}

// Batch is the result of DetectBatch. Items follow the input order.
type Batch struct {
	ID        string
	Items     []BatchItem
	Succeeded int
	Failed    int
}

// ProgressInfo is passed to Options.OnProgress after each batch item finishes.
type ProgressInfo struct {
	Current  int
	Total    int
	Filename string
}

// Options configures a Service.
type Options struct {
	Workers      int              // batch concurrency; 4 when zero
	StoreTimeout time.Duration    // bound on each store call; none when zero
	Now          func() time.Time // event clock; time.Now when nil
	OnProgress   func(ProgressInfo)
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Service runs the classifier and records outcomes.
type Service struct {
	store        database.DetectionStore
	classifier   classifier.Classifier
	workers      int
	storeTimeout time.Duration
	now          func() time.Time
	onProgress   func(ProgressInfo)
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a detection service.
func New(store database.DetectionStore, c classifier.Classifier, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:        store,
		classifier:   c,
		workers:      opts.Workers,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		onProgress:   opts.OnProgress,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Detect classifies one image. The outcome is appended to the log only when identityID
// is set; anonymous detections are returned without being stored.
func (s *Service) Detect(ctx context.Context, identityID *int64, img Image) (*Detection, error) {
	return s.detect(ctx, identityID, img, "")
}

func (s *Service) detect(ctx context.Context, identityID *int64, img Image, batchID string) (*Detection, error) {
	if img.Filename == "" {
		img.Filename = "image"
	}
	meta, err := imaging.ReadMetadata(img.Data)
	if err != nil {
		return nil, err
	}
	if meta.PHash, err = imaging.PerceptualHash(img.Data); err != nil {
		// The header parsed but the pixels did not; the classifier gets to decide.
		s.logger.Debug("perceptual hash failed", "filename", img.Filename, "error", err)
	}

	start := time.Now()
	result, err := s.classifier.Classify(ctx, img.Data)
	if err != nil {
		s.metrics.RecordDetection(s.classifier.Name(), "error", time.Since(start))
		return nil, fmt.Errorf("classifying %s: %w", img.Filename, err)
	}
	s.metrics.RecordDetection(s.classifier.Name(), result.Label, time.Since(start))

	d := &Detection{
		Filename:   img.Filename,
		Result:     result,
		Metadata:   meta,
		DetectedAt: s.now().UTC(),
	}
	if identityID == nil {
		return d, nil
	}

	eventMeta := meta.Map()
	eventMeta["provider"] = s.classifier.Name()
	if batchID != "" {
		eventMeta["batch_id"] = batchID
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	id, err := s.store.AppendDetectionEvent(storeCtx, database.DetectionEvent{
		IdentityID:      identityID,
		Filename:        img.Filename,
		Label:           result.Label,
		Confidence:      result.Confidence,
		FakeProbability: result.FakeProbability,
		RealProbability: result.RealProbability,
		Metadata:        eventMeta,
		DetectedAt:      d.DetectedAt,
	})
	if err != nil {
		return nil, err
	}
	d.ID = id
	d.Saved = true

	s.logger.Debug("detection recorded",
		"id", id, "identity_id", *identityID, "label", result.Label, "confidence", result.Confidence)
	return d, nil
}

// DetectBatch classifies up to MaxBatchSize images with bounded concurrency. A failing
// image does not fail the batch; its error is reported in its item.
func (s *Service) DetectBatch(ctx context.Context, identityID *int64, images []Image) (*Batch, error) {
	return s.DetectBatchWithProgress(ctx, identityID, images, s.onProgress)
}

// DetectBatchWithProgress is DetectBatch reporting to onProgress instead of the
// service-wide callback. onProgress may be nil.
func (s *Service) DetectBatchWithProgress(ctx context.Context, identityID *int64, images []Image,
	onProgress func(ProgressInfo)) (*Batch, error) {
	if len(images) == 0 {
		return nil, apperr.New(apperr.ErrInvalidInput, "no images provided")
	}
	if len(images) > MaxBatchSize {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "at most %d images per batch", MaxBatchSize)
	}

	batch := &Batch{ID: uuid.NewString(), Items: make([]BatchItem, len(images))}

	type itemResult struct {
		index int
		item  BatchItem
	}
	resultsChan := make(chan itemResult, len(images))
	semaphore := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	var processed int
	var progressMu sync.Mutex

	reportProgress := func(filename string) {
		if onProgress == nil {
			return
		}
		progressMu.Lock()
		processed++
		current := processed
		progressMu.Unlock()
		onProgress(ProgressInfo{Current: current, Total: len(images), Filename: filename})
	}

	for i := range images {
		wg.Add(1)
		go func(idx int, img Image) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			item := BatchItem{Filename: img.Filename}
			if err := ctx.Err(); err != nil {
				item.Err = err
			} else {
				item.Detection, item.Err = s.detect(ctx, identityID, img, batch.ID)
			}
			resultsChan <- itemResult{index: idx, item: item}
			reportProgress(img.Filename)
		}(i, images[i])
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		batch.Items[r.index] = r.item
		if r.item.Err != nil {
			batch.Failed++
		} else {
			batch.Succeeded++
		}
	}

	s.logger.Info("batch detection finished",
		"batch_id", batch.ID, "succeeded", batch.Succeeded, "failed", batch.Failed)
	return batch, nil
}

// History returns logged events newest first. A nil identityID returns every event.
func (s *Service) History(ctx context.Context, identityID *int64, limit int) ([]database.DetectionEvent, error) {
	if limit <= 0 {
		limit = database.DefaultDetectionHistoryLimit
	}
	limit = min(limit, database.MaxDetectionHistoryLimit)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.ListDetectionEvents(ctx, database.DetectionFilter{IdentityID: identityID, Limit: limit})
}

// Stats aggregates logged events. A nil identityID aggregates every event.
func (s *Service) Stats(ctx context.Context, identityID *int64) (*database.DetectionStats, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.DetectionStats(ctx, database.DetectionFilter{IdentityID: identityID})
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
