package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"

	"solarcms/internal/models"
)

// Job asks a worker to run the pipeline for an asset whose raw upload was
// staged in the blob store under Staged.
type Job struct {
	AssetID uuid.UUID `json:"asset_id"`
	Staged  string    `json:"staged"`
	Op      string    `json:"op"`
	// MinStamp is the name prefix of the files a replace removed; the new
	// files must sort after it.
	MinStamp int64 `json:"min_stamp,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Submit creates the record in processing, stages the raw bytes and queues a
// job. The returned asset is still processing; poll Get for the outcome.
func (s *Service) Submit(ctx context.Context, raw []byte, filename string, meta models.Metadata) (*models.Asset, error) {
	const op = "ingest.Submit"
	if s.publisher == nil {
		return nil, fmt.Errorf("%s: no publisher configured", op)
	}
	asset, err := s.create(ctx, filename, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.enqueue(ctx, asset, raw, Job{Op: opIngest}); err != nil {
		return asset, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

// SubmitReplace is the background counterpart of Replace.
func (s *Service) SubmitReplace(ctx context.Context, id uuid.UUID, raw []byte, filename string, meta models.Metadata) (*models.Asset, error) {
	const op = "ingest.SubmitReplace"
	if s.publisher == nil {
		return nil, fmt.Errorf("%s: no publisher configured", op)
	}
	asset, prev, err := s.prepareReplace(ctx, id, filename, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.enqueue(ctx, asset, raw, Job{Op: opReplace, MinStamp: prev}); err != nil {
		return asset, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

func (s *Service) enqueue(ctx context.Context, asset *models.Asset, raw []byte, job Job) error {
	job.AssetID = asset.ID
	job.Staged = stagedName(asset.ID.String())
	if _, err := s.blobs.Put(ctx, job.Staged, raw, "application/octet-stream"); err != nil {
		return s.fail(ctx, asset, fmt.Errorf("%w: %s: %v", ErrWrite, job.Staged, err))
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		s.deleteNames(ctx, asset.ID, []string{job.Staged})
		return s.fail(ctx, asset, fmt.Errorf("queue ingestion job: %w", err))
	}
	s.log.Info().Str("asset_id", asset.ID.String()).Str("op", job.Op).Msg("ingestion queued")
	return nil
}

// Queued reports whether id still has a staged upload waiting for a worker.
func (s *Service) Queued(ctx context.Context, id uuid.UUID) (bool, error) {
	if !s.Async() {
		return false, nil
	}
	return s.blobs.Exists(ctx, stagedName(id.String()))
}

// HandleJob runs a queued job to completion, ignoring cancellation of ctx once
// started. Pipeline failures are recorded on the asset and not returned; only
// infrastructure errors are. The staged upload is kept until the asset has
// left processing in the store, so a failed job can be retried.
func (s *Service) HandleJob(ctx context.Context, job Job) error {
	const op = "ingest.HandleJob"
	ctx = context.WithoutCancel(ctx)
	start := s.now()
	s.observeStamp(job.MinStamp)

	asset, err := s.store.Get(ctx, job.AssetID)
	if errors.Is(err, models.ErrNotFound) {
		// removed while queued
		s.deleteNames(ctx, job.AssetID, []string{job.Staged})
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if asset.Status != models.StatusProcessing {
		s.log.Warn().Str("asset_id", asset.ID.String()).Str("status", string(asset.Status)).Msg("skipping job for settled asset")
		s.deleteNames(ctx, job.AssetID, []string{job.Staged})
		return nil
	}

	raw, err := s.blobs.Get(ctx, job.Staged)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err != nil {
		err = s.fail(ctx, asset, fmt.Errorf("read staged upload: %w", err))
		s.metrics.ObserveIngest(opJob, start, err)
		return nil
	}

	err = s.process(ctx, asset, raw)
	s.metrics.ObserveIngest(opJob, start, err)

	settled, serr := s.settled(ctx, job.AssetID)
	if serr != nil {
		return fmt.Errorf("%s: %w", op, serr)
	}
	if !settled {
		return fmt.Errorf("%s: asset %s still processing, keeping %s", op, job.AssetID, job.Staged)
	}
	s.deleteNames(ctx, job.AssetID, []string{job.Staged})
	return nil
}

// settled reports whether the stored record for id has left processing or is
// gone.
func (s *Service) settled(ctx context.Context, id uuid.UUID) (bool, error) {
	asset, err := s.store.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return asset.Status != models.StatusProcessing, nil
}
