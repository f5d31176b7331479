package ingest_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"solarcms/internal/blob"
	"solarcms/internal/ingest"
	"solarcms/internal/models"
	"solarcms/internal/storage"
	"solarcms/internal/variant"
)

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []ingest.Job
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, job ingest.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) ingest.Job {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.jobs)
	return p.jobs[len(p.jobs)-1]
}

func TestSubmit_HandleJob(t *testing.T) {
	// given
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	require.True(t, c.Service.Async())

	// when
	asset, err := c.Service.Submit(c.Ctx, jpegBytes(t, 1000, 1000), "queued.jpg", models.Metadata{})

	// then the record waits in processing with the raw upload staged
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, asset.Status)
	job := pub.last(t)
	require.Equal(t, asset.ID, job.AssetID)
	require.Equal(t, asset.ID.String()+".upload", job.Staged)
	require.Equal(t, []string{job.Staged}, filesIn(t, c.Dir))

	// when the worker picks the job up
	require.NoError(t, c.Service.HandleJob(c.Ctx, job))

	// then
	got, err := c.Service.Get(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusReady, got.Status)
	require.Contains(t, got.Variants, variant.Medium)
	require.Contains(t, got.Variants, variant.Thumbnail)
	require.NotContains(t, filesIn(t, c.Dir), job.Staged)
	require.Len(t, filesIn(t, c.Dir), 3)

	t.Run("should ignore a redelivered job for a settled asset", func(t *testing.T) {
		before := filesIn(t, c.Dir)
		require.NoError(t, c.Service.HandleJob(c.Ctx, job))
		require.Equal(t, before, filesIn(t, c.Dir))
	})
}

func TestSubmitReplace(t *testing.T) {
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	asset, err := c.Service.Ingest(c.Ctx, jpegBytes(t, 500, 500), "first.jpg", models.Metadata{})
	require.NoError(t, err)

	pending, err := c.Service.SubmitReplace(c.Ctx, asset.ID, jpegBytes(t, 1500, 1000), "second.jpg", models.Metadata{})
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, pending.Status)
	require.Empty(t, pending.CanonicalURL)

	require.NoError(t, c.Service.HandleJob(c.Ctx, pub.last(t)))
	got, err := c.Service.Get(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusReady, got.Status)
	require.Equal(t, "second", got.SourceFilename)
	require.Equal(t, 1200, got.Variants[variant.Large].Width)
	require.Equal(t, urlNames(t, c, got), filesIn(t, c.Dir))
}

func TestHandleJob_CorruptStagedUpload(t *testing.T) {
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	asset, err := c.Service.Submit(c.Ctx, []byte("not an image"), "x.jpg", models.Metadata{})
	require.NoError(t, err)

	require.NoError(t, c.Service.HandleJob(c.Ctx, pub.last(t)))

	got, err := c.Service.Get(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, got.Status)
	require.Contains(t, got.ErrorMessage, "decode")
	require.Empty(t, filesIn(t, c.Dir))
}

func TestHandleJob_AssetRemovedWhileQueued(t *testing.T) {
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	asset, err := c.Service.Submit(c.Ctx, jpegBytes(t, 200, 200), "x.jpg", models.Metadata{})
	require.NoError(t, err)
	require.NoError(t, c.Store.Delete(c.Ctx, asset.ID))

	require.NoError(t, c.Service.HandleJob(c.Ctx, pub.last(t)))
	require.Empty(t, filesIn(t, c.Dir))

	require.NoError(t, c.Service.HandleJob(c.Ctx, ingest.Job{AssetID: uuid.New(), Staged: "gone.upload"}))
}

func TestSubmit_PublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	c := getClean(t, ingest.WithPublisher(pub))

	asset, err := c.Service.Submit(c.Ctx, jpegBytes(t, 200, 200), "x.jpg", models.Metadata{})
	require.ErrorContains(t, err, "broker unavailable")
	require.Equal(t, models.StatusError, asset.Status)
	require.Empty(t, filesIn(t, c.Dir))
}

func TestSubmit_WithoutPublisher(t *testing.T) {
	c := getClean(t)
	require.False(t, c.Service.Async())
	_, err := c.Service.Submit(c.Ctx, jpegBytes(t, 10, 10), "x.jpg", models.Metadata{})
	require.Error(t, err)
}

func TestRemove_WhileQueued(t *testing.T) {
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	asset, err := c.Service.Submit(c.Ctx, jpegBytes(t, 200, 200), "x.jpg", models.Metadata{})
	require.NoError(t, err)

	report, err := c.Service.Remove(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, []string{pub.last(t).Staged}, report.Removed)
	require.Empty(t, filesIn(t, c.Dir))

	// the job arrives after the record is gone
	require.NoError(t, c.Service.HandleJob(c.Ctx, pub.last(t)))
}

// ctxStore behaves like a database client: calls on a cancelled context fail.
// cancelOnGet simulates a shutdown signal arriving right after the job loads
// its record; failUpdates simulates an unavailable database.
type ctxStore struct {
	*storage.MemoryStorage
	mu          sync.Mutex
	cancelOnGet context.CancelFunc
	failUpdates bool
}

func (s *ctxStore) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := s.MemoryStorage.Get(ctx, id)
	s.mu.Lock()
	if s.cancelOnGet != nil {
		s.cancelOnGet()
	}
	s.mu.Unlock()
	return a, err
}

func (s *ctxStore) Update(ctx context.Context, a *models.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	fail := s.failUpdates
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStorage.Update(ctx, a)
}

func newCtxService(t *testing.T, pub ingest.Publisher) (*ingest.Service, *ctxStore, string) {
	t.Helper()
	dir := t.TempDir()
	local, err := blob.NewLocal(dir, "/uploads")
	require.NoError(t, err)
	store := &ctxStore{MemoryStorage: storage.NewMemoryStorage()}
	return ingest.NewService(store, local, zerolog.Nop(), ingest.WithPublisher(pub), ingest.WithClock(tickingClock())), store, dir
}

func TestHandleJob_FinishesAfterShutdownSignal(t *testing.T) {
	// given
	pub := &recordingPublisher{}
	svc, store, dir := newCtxService(t, pub)
	asset, err := svc.Submit(context.Background(), jpegBytes(t, 900, 600), "x.jpg", models.Metadata{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancelOnGet = cancel

	// when
	require.NoError(t, svc.HandleJob(ctx, pub.last(t)))

	// then
	got, err := store.MemoryStorage.Get(context.Background(), asset.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusReady, got.Status)
	require.NotContains(t, filesIn(t, dir), pub.last(t).Staged)
}

func TestHandleJob_KeepsStagedUploadUntilSettled(t *testing.T) {
	// given a database that rejects every update
	pub := &recordingPublisher{}
	svc, store, dir := newCtxService(t, pub)
	asset, err := svc.Submit(context.Background(), jpegBytes(t, 900, 600), "x.jpg", models.Metadata{})
	require.NoError(t, err)
	job := pub.last(t)
	store.failUpdates = true

	// when
	err = svc.HandleJob(context.Background(), job)

	// then the job reports failure and nothing is lost
	require.Error(t, err)
	require.Equal(t, []string{job.Staged}, filesIn(t, dir))
	got, err := store.MemoryStorage.Get(context.Background(), asset.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)

	t.Run("retry succeeds once the database is back", func(t *testing.T) {
		store.failUpdates = false
		require.NoError(t, svc.HandleJob(context.Background(), job))

		got, err := store.MemoryStorage.Get(context.Background(), asset.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusReady, got.Status)
		require.Equal(t, urlNamesOf(t, got), filesIn(t, dir))
	})
}

func urlNamesOf(t *testing.T, a *models.Asset) []string {
	t.Helper()
	names := make([]string, 0, len(a.FileURLs()))
	for _, u := range a.FileURLs() {
		names = append(names, strings.TrimPrefix(u, "/uploads/"))
	}
	sort.Strings(names)
	return names
}

func TestQueued(t *testing.T) {
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub))
	asset, err := c.Service.Submit(c.Ctx, jpegBytes(t, 200, 200), "x.jpg", models.Metadata{})
	require.NoError(t, err)

	queued, err := c.Service.Queued(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, queued)

	require.NoError(t, c.Service.HandleJob(c.Ctx, pub.last(t)))
	queued, err = c.Service.Queued(c.Ctx, asset.ID)
	require.NoError(t, err)
	require.False(t, queued)

	inline := getClean(t)
	queued, err = inline.Service.Queued(inline.Ctx, asset.ID)
	require.NoError(t, err)
	require.False(t, queued)
}

func TestSubmitReplace_NewURLsOnAnotherWorker(t *testing.T) {
	// given every clock stuck on the same millisecond
	fixed := func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	pub := &recordingPublisher{}
	c := getClean(t, ingest.WithPublisher(pub), ingest.WithClock(fixed))
	original, err := c.Service.Ingest(c.Ctx, jpegBytes(t, 300, 300), "same.jpg", models.Metadata{})
	require.NoError(t, err)

	_, err = c.Service.SubmitReplace(c.Ctx, original.ID, jpegBytes(t, 300, 300), "same.jpg", models.Metadata{})
	require.NoError(t, err)
	job := pub.last(t)
	require.Equal(t, fixed().UnixMilli(), job.MinStamp)

	// when a worker with no history of this asset runs the job
	worker := ingest.NewService(c.Store, c.Blobs, zerolog.Nop(), ingest.WithPublisher(pub), ingest.WithClock(fixed))
	require.NoError(t, worker.HandleJob(c.Ctx, job))

	// then
	got, err := c.Store.Get(c.Ctx, original.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusReady, got.Status)
	require.NotEqual(t, original.CanonicalURL, got.CanonicalURL)
	require.NotEqual(t, original.Variants[variant.Thumbnail].URL, got.Variants[variant.Thumbnail].URL)
}
