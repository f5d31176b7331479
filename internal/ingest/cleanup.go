package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"

	"solarcms/internal/models"
)

// CleanupReport is the outcome of a best-effort file deletion. A failed cleanup
// never fails the operation that triggered it.
type CleanupReport struct {
	Removed []string         `json:"removed,omitempty"`
	Missing []string         `json:"missing,omitempty"` // already gone
	Failed  []CleanupFailure `json:"failed,omitempty"`
}

type CleanupFailure struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

func (r CleanupReport) OK() bool {
	return len(r.Failed) == 0
}

func (s *Service) removeAssetFiles(ctx context.Context, asset *models.Asset) CleanupReport {
	var (
		names   []string
		skipped []CleanupFailure
	)
	for _, url := range asset.FileURLs() {
		name, ok := s.blobs.NameFromURL(url)
		if !ok {
			err := fmt.Errorf("unrecognized file url %q", url)
			skipped = append(skipped, CleanupFailure{Name: url, Err: err})
			s.log.Warn().Err(err).Str("asset_id", asset.ID.String()).Msg("cleanup skipped file")
			continue
		}
		names = append(names, name)
	}
	s.metrics.CleanupFailed(len(skipped))

	report := s.deleteNames(ctx, asset.ID, names)
	report.Failed = append(skipped, report.Failed...)
	return report
}

func (s *Service) deleteNames(ctx context.Context, assetID uuid.UUID, names []string) CleanupReport {
	var report CleanupReport
	for _, name := range names {
		err := s.blobs.Delete(ctx, name)
		switch {
		case err == nil:
			report.Removed = append(report.Removed, name)
		case errors.Is(err, fs.ErrNotExist):
			report.Missing = append(report.Missing, name)
			s.log.Debug().Str("asset_id", assetID.String()).Str("file", name).Msg("file already gone")
		default:
			report.Failed = append(report.Failed, CleanupFailure{Name: name, Err: err})
			s.log.Warn().Err(err).Str("asset_id", assetID.String()).Str("file", name).Msg("could not delete file")
		}
	}
	s.metrics.CleanupFailed(len(report.Failed))
	return report
}
