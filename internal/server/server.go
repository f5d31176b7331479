package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"solarcms/internal/ingest"
	"solarcms/internal/logger"
	"solarcms/internal/metrics"
	"solarcms/internal/models"
)

const (
	fileField   = "file"
	stagedExt   = ".upload"
	readTimeout = 30 * time.Second
)

type Server struct {
	cfg     *models.Config
	router  *gin.Engine
	svc     *ingest.Service
	metrics *metrics.Metrics
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg *models.Config, svc *ingest.Service, m *metrics.Metrics, log zerolog.Logger) *Server {
	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes()
	r.Use(gin.Recovery(), logger.GinMiddleware(log))
	if m != nil {
		r.Use(m.Middleware())
		r.GET("/metrics", m.Handler())
	}

	s := &Server{
		cfg:     cfg,
		router:  r,
		svc:     svc,
		metrics: m,
		log:     log.With().Str("service", "http").Logger(),
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.BlobDriver == "local" && strings.HasPrefix(cfg.PublicBaseURL, "/") {
		r.GET(strings.TrimSuffix(cfg.PublicBaseURL, "/")+"/*name", s.handleFile)
	}

	admin := r.Group("/api/admin/media", RequireRole(cfg.Auth.JWTSecret, cfg.Auth.AdminRole))
	admin.POST("", s.handleCreate)
	admin.GET("", s.handleList)
	admin.GET("/:id", s.handleGet)
	admin.PUT("/:id", s.handleUpdate)
	admin.DELETE("/:id", s.handleDelete)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ServerAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
	}
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleFile(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasSuffix(name, stagedExt) {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(filepath.Join(s.cfg.StoragePath, name))
}

func (s *Server) handleCreate(c *gin.Context) {
	const op = "server.handleCreate"

	raw, filename, err := s.readUpload(c)
	if err != nil {
		s.uploadError(c, op, err)
		return
	}
	meta := metadataFromForm(c)

	if s.svc.Async() {
		asset, err := s.svc.Submit(c.Request.Context(), raw, filename, meta)
		if err != nil {
			s.ingestError(c, op, asset, err)
			return
		}
		c.JSON(http.StatusAccepted, asset)
		return
	}

	asset, err := s.svc.Ingest(c.Request.Context(), raw, filename, meta)
	if err != nil {
		s.ingestError(c, op, asset, err)
		return
	}
	c.JSON(http.StatusCreated, asset)
}

func (s *Server) handleList(c *gin.Context) {
	const op = "server.handleList"
	assets, err := s.svc.List(c.Request.Context())
	if err != nil {
		s.ingestError(c, op, nil, err)
		return
	}
	if assets == nil {
		assets = []*models.Asset{}
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func (s *Server) handleGet(c *gin.Context) {
	const op = "server.handleGet"
	id, ok := parseID(c, op)
	if !ok {
		return
	}
	asset, err := s.svc.Get(c.Request.Context(), id)
	if err != nil {
		s.ingestError(c, op, nil, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

// handleUpdate replaces the image when a file is attached and only edits
// metadata otherwise. A JSON body is accepted for metadata-only edits.
func (s *Server) handleUpdate(c *gin.Context) {
	const op = "server.handleUpdate"
	id, ok := parseID(c, op)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.ContentType() == gin.MIMEJSON {
		var meta models.Metadata
		if err := c.ShouldBindJSON(&meta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		s.updateMetadata(c, op, id, meta)
		return
	}

	raw, filename, err := s.readUpload(c)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		s.updateMetadata(c, op, id, metadataFromForm(c))
		return
	}
	if err != nil {
		s.uploadError(c, op, err)
		return
	}
	meta := metadataFromForm(c)

	if s.svc.Async() {
		asset, err := s.svc.SubmitReplace(ctx, id, raw, filename, meta)
		if err != nil {
			s.ingestError(c, op, asset, err)
			return
		}
		c.JSON(http.StatusAccepted, asset)
		return
	}

	asset, err := s.svc.Replace(ctx, id, raw, filename, meta)
	if err != nil {
		s.ingestError(c, op, asset, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (s *Server) updateMetadata(c *gin.Context, op string, id uuid.UUID, meta models.Metadata) {
	asset, err := s.svc.UpdateMetadata(c.Request.Context(), id, meta)
	if err != nil {
		s.ingestError(c, op, nil, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (s *Server) handleDelete(c *gin.Context) {
	const op = "server.handleDelete"
	id, ok := parseID(c, op)
	if !ok {
		return
	}
	report, err := s.svc.Remove(c.Request.Context(), id)
	if err != nil {
		s.ingestError(c, op, nil, err)
		return
	}
	if !report.OK() {
		s.log.Warn().Str("asset_id", id.String()).Int("failed", len(report.Failed)).Msg("asset removed with leftover files")
	}
	c.Status(http.StatusNoContent)
}

// readUpload reads the multipart file field, bounded by max_upload_mb.
func (s *Server) readUpload(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes())

	header, err := c.FormFile(fileField)
	if err != nil {
		return nil, "", err
	}
	f, err := header.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return raw, header.Filename, nil
}

func (s *Server) uploadError(c *gin.Context, op string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("%s: upload exceeds %d MB", op, s.cfg.MaxUploadMB),
		})
	case errors.Is(err, http.ErrMissingFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: missing %q field", op, fileField)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
	}
}

// ingestError maps service errors to responses. When the pipeline left a
// record behind in error state it is returned alongside the message.
func (s *Server) ingestError(c *gin.Context, op string, asset *models.Asset, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
	case errors.Is(err, ingest.ErrInvalidMetadata):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
	case asset != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "asset": asset})
	default:
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
	}
}

func parseID(c *gin.Context, op string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return uuid.Nil, false
	}
	return id, true
}

// metadataFromForm picks up only the fields present in the form, so absent
// fields keep their stored value.
func metadataFromForm(c *gin.Context) models.Metadata {
	field := func(key string) *string {
		if v, ok := c.GetPostForm(key); ok {
			return &v
		}
		return nil
	}
	return models.Metadata{
		AltText:     field("alt_text"),
		Title:       field("title"),
		Caption:     field("caption"),
		Description: field("description"),
	}
}
