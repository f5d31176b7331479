// Package ingest turns uploaded image bytes into a ready asset: one canonical
// re-encoded file plus the planned variants, tracked by a record whose status
// moves processing -> ready | error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"solarcms/internal/blob"
	"solarcms/internal/metrics"
	"solarcms/internal/models"
	"solarcms/internal/transcode"
	"solarcms/internal/variant"
)

var (
	ErrDecode          = transcode.ErrDecode
	ErrEncode          = transcode.ErrEncode
	ErrWrite           = errors.New("blob write failed")
	ErrInvalidMetadata = errors.New("invalid metadata")
)

const (
	opIngest  = "ingest"
	opReplace = "replace"
	opJob     = "job"
)

// Store is the asset record collection.
type Store interface {
	Create(ctx context.Context, a *models.Asset) error
	Get(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	Update(ctx context.Context, a *models.Asset) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.Asset, error)
}

type Service struct {
	store     Store
	blobs     blob.Store
	wm        *transcode.Watermarker
	publisher Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	validate  *validator.Validate

	stampMu   sync.Mutex
	lastStamp int64
}

type Option func(*Service)

func WithWatermarker(wm *transcode.Watermarker) Option {
	return func(s *Service) { s.wm = wm }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher switches uploads to background processing through p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, blobs blob.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		log:      log.With().Str("service", "ingest").Logger(),
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Async reports whether uploads are handed to a background worker.
func (s *Service) Async() bool {
	return s.publisher != nil
}

func (s *Service) List(ctx context.Context) ([]*models.Asset, error) {
	const op = "ingest.List"
	out, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	const op = "ingest.Get"
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// Ingest creates a record and runs the full pipeline synchronously. The
// pipeline ignores cancellation of ctx once started. On failure the returned
// asset is the record left in error state (nil if it could not be created).
func (s *Service) Ingest(ctx context.Context, raw []byte, filename string, meta models.Metadata) (*models.Asset, error) {
	const op = "ingest.Ingest"
	ctx = context.WithoutCancel(ctx)
	start := s.now()

	asset, err := s.create(ctx, filename, meta)
	if err != nil {
		s.metrics.ObserveIngest(opIngest, start, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = s.process(ctx, asset, raw)
	s.metrics.ObserveIngest(opIngest, start, err)
	if err != nil {
		return asset, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

// Replace swaps the image behind an existing record, keeping its id. Old files
// are removed best-effort before the new ones are written.
func (s *Service) Replace(ctx context.Context, id uuid.UUID, raw []byte, filename string, meta models.Metadata) (*models.Asset, error) {
	const op = "ingest.Replace"
	ctx = context.WithoutCancel(ctx)
	start := s.now()

	asset, _, err := s.prepareReplace(ctx, id, filename, meta)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.metrics.ObserveIngest(opReplace, start, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = s.process(ctx, asset, raw)
	s.metrics.ObserveIngest(opReplace, start, err)
	if err != nil {
		return asset, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

// UpdateMetadata edits the user-facing fields only; files, dimensions and
// status are left alone.
func (s *Service) UpdateMetadata(ctx context.Context, id uuid.UUID, meta models.Metadata) (*models.Asset, error) {
	const op = "ingest.UpdateMetadata"
	if err := s.checkMetadata(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	asset, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	meta.Apply(asset)
	asset.UpdatedAt = s.now()
	if err := s.store.Update(ctx, asset); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

// Remove deletes the record's files best-effort, then the record itself.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) (CleanupReport, error) {
	const op = "ingest.Remove"
	asset, err := s.store.Get(ctx, id)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("%s: %w", op, err)
	}
	report := s.removeAssetFiles(ctx, asset)
	if s.Async() && asset.Status == models.StatusProcessing {
		// queued job has not consumed its upload yet
		staged := s.deleteNames(ctx, id, []string{stagedName(id.String())})
		report.Removed = append(report.Removed, staged.Removed...)
		report.Failed = append(report.Failed, staged.Failed...)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info().Str("asset_id", id.String()).Int("files_removed", len(report.Removed)).
		Int("files_failed", len(report.Failed)).Msg("asset removed")
	return report, nil
}

func (s *Service) create(ctx context.Context, filename string, meta models.Metadata) (*models.Asset, error) {
	if err := s.checkMetadata(meta); err != nil {
		return nil, err
	}
	now := s.now()
	asset := &models.Asset{
		ID:             uuid.New(),
		SourceFilename: NormalizeFilename(filename),
		Status:         models.StatusProcessing,
		MimeType:       transcode.MimeType,
		Variants:       map[string]models.Variant{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	meta.Apply(asset)
	if err := s.store.Create(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// prepareReplace clears the record's files and puts it back in processing. It
// returns the name prefix of the files it removed.
func (s *Service) prepareReplace(ctx context.Context, id uuid.UUID, filename string, meta models.Metadata) (*models.Asset, int64, error) {
	if err := s.checkMetadata(meta); err != nil {
		return nil, 0, err
	}
	asset, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	prev := stampOf(asset.CanonicalURL)
	s.observeStamp(prev)
	s.removeAssetFiles(ctx, asset)

	asset.ResetFiles()
	asset.SourceFilename = NormalizeFilename(filename)
	asset.MimeType = transcode.MimeType
	asset.Status = models.StatusProcessing
	asset.ErrorMessage = ""
	asset.UpdatedAt = s.now()
	meta.Apply(asset)
	if err := s.store.Update(ctx, asset); err != nil {
		return nil, 0, err
	}
	return asset, prev, nil
}

// process renders every file for asset and finalizes the record. Files written
// by a failing attempt are rolled back before the record is marked error.
func (s *Service) process(ctx context.Context, asset *models.Asset, raw []byte) error {
	written, err := s.render(ctx, asset, raw)
	if err != nil {
		s.deleteNames(ctx, asset.ID, written)
		return s.fail(ctx, asset, err)
	}

	asset.Status = models.StatusReady
	asset.ErrorMessage = ""
	asset.UpdatedAt = s.now()
	if err := s.store.Update(ctx, asset); err != nil {
		s.deleteNames(ctx, asset.ID, written)
		return s.fail(ctx, asset, err)
	}

	s.log.Info().Str("asset_id", asset.ID.String()).Int("width", asset.Width).Int("height", asset.Height).
		Int("variants", len(asset.Variants)).Msg("asset ready")
	return nil
}

func (s *Service) render(ctx context.Context, asset *models.Asset, raw []byte) ([]string, error) {
	var written []string

	w, h, err := transcode.Dimensions(raw)
	if err != nil {
		return written, err
	}
	s.log.Debug().Str("asset_id", asset.ID.String()).Int("width", w).Int("height", h).Msg("read upload dimensions")

	img, err := transcode.Decode(raw)
	if err != nil {
		return written, err
	}

	base := fmt.Sprintf("%d-%s", s.nextStamp(), asset.SourceFilename)

	data, err := transcode.Encode(img, transcode.QualityCanonical)
	if err != nil {
		return written, err
	}
	name := base + transcode.Extension
	url, err := s.put(ctx, name, data)
	if err != nil {
		return written, err
	}
	written = append(written, name)

	width, height := transcode.Size(img)
	asset.CanonicalURL = url
	asset.Width = width
	asset.Height = height
	asset.ByteSize = int64(len(data))
	asset.MimeType = transcode.MimeType
	asset.Variants = make(map[string]models.Variant, len(variant.Plan()))

	for _, spec := range variant.Plan() {
		if !spec.Applies(width) {
			continue
		}
		out := transcode.Resize(img, spec)
		if spec.Watermark {
			if out, err = s.wm.Apply(out); err != nil {
				return written, fmt.Errorf("%w: watermark %s: %v", ErrEncode, spec.Name, err)
			}
		}
		data, err := transcode.Encode(out, transcode.QualityVariant)
		if err != nil {
			return written, err
		}
		name := base + "-" + spec.Name + transcode.Extension
		url, err := s.put(ctx, name, data)
		if err != nil {
			return written, err
		}
		written = append(written, name)

		vw, vh := transcode.Size(out)
		asset.Variants[spec.Name] = models.Variant{URL: url, Width: vw, Height: vh}
	}
	return written, nil
}

func (s *Service) put(ctx context.Context, name string, data []byte) (string, error) {
	url, err := s.blobs.Put(ctx, name, data, transcode.MimeType)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWrite, name, err)
	}
	return url, nil
}

// fail records cause on the asset and returns it. If the record cannot be
// updated the store error is logged and cause is still returned.
func (s *Service) fail(ctx context.Context, asset *models.Asset, cause error) error {
	asset.ResetFiles()
	asset.Status = models.StatusError
	asset.ErrorMessage = cause.Error()
	asset.UpdatedAt = s.now()
	if err := s.store.Update(ctx, asset); err != nil {
		s.log.Error().Err(err).Str("asset_id", asset.ID.String()).Msg("could not record ingestion failure")
	}
	s.log.Warn().Err(cause).Str("asset_id", asset.ID.String()).Msg("ingestion failed")
	return cause
}

func (s *Service) checkMetadata(meta models.Metadata) error {
	if err := s.validate.Struct(meta); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}

// nextStamp returns a millisecond name prefix strictly greater than every
// prefix handed out or observed so far, so a rewrite never reuses a URL.
func (s *Service) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	stamp := s.now().UnixMilli()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp
	return stamp
}

func (s *Service) observeStamp(stamp int64) {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	if stamp > s.lastStamp {
		s.lastStamp = stamp
	}
}

// stampOf parses the prefix out of a file URL; 0 when there is none.
func stampOf(url string) int64 {
	prefix, _, ok := strings.Cut(path.Base(url), "-")
	if !ok {
		return 0
	}
	stamp, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return stamp
}
