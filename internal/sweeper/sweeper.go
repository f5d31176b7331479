// Package sweeper settles assets that never left processing, e.g. after a
// worker crash mid-pipeline.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"solarcms/internal/metrics"
	"solarcms/internal/models"
)

const TimedOutMessage = "processing timed out"

type Store interface {
	ListStale(ctx context.Context, status models.Status, before time.Time) ([]*models.Asset, error)
	Update(ctx context.Context, a *models.Asset) error
}

// Queue tells whether an asset's upload is still waiting for a worker.
type Queue interface {
	Queued(ctx context.Context, id uuid.UUID) (bool, error)
}

type Sweeper struct {
	store      Store
	queue      Queue
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	scheduler gocron.Scheduler
}

type Option func(*Sweeper)

// WithQueue leaves assets with a pending background job alone, however long
// the job has been waiting.
func WithQueue(q Queue) Option {
	return func(s *Sweeper) { s.queue = q }
}

func New(store Store, cfg models.SweeperConfig, m *metrics.Metrics, log zerolog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      store,
		staleAfter: cfg.StaleAfter,
		metrics:    m,
		log:        log.With().Str("service", "sweeper").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules Sweep every interval until Stop.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	const op = "sweeper.Start"
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}, ctx),
		gocron.WithName("stale-processing"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("%s: %w", op, err)
	}
	sched.Start()
	s.scheduler = sched
	s.log.Info().Dur("interval", interval).Dur("stale_after", s.staleAfter).Msg("sweeper started")
	return nil
}

func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// Sweep marks every processing asset not touched for staleAfter as error and
// returns how many it moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	const op = "sweeper.Sweep"
	now := s.now()
	stale, err := s.store.ListStale(ctx, models.StatusProcessing, now.Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	swept := 0
	for _, a := range stale {
		if s.queued(ctx, a) {
			continue
		}
		a.ResetFiles()
		a.Status = models.StatusError
		a.ErrorMessage = TimedOutMessage
		a.UpdatedAt = now
		if err := s.store.Update(ctx, a); err != nil {
			s.log.Warn().Err(err).Str("asset_id", a.ID.String()).Msg("could not settle stale asset")
			continue
		}
		swept++
		s.log.Warn().Str("asset_id", a.ID.String()).Msg("stale asset marked as error")
	}
	s.metrics.Swept(swept)
	return swept, nil
}

func (s *Sweeper) queued(ctx context.Context, a *models.Asset) bool {
	if s.queue == nil {
		return false
	}
	queued, err := s.queue.Queued(ctx, a.ID)
	if err != nil {
		// unknown means it may still be queued
		s.log.Warn().Err(err).Str("asset_id", a.ID.String()).Msg("could not check pending job")
		return true
	}
	return queued
}
