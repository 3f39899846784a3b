// Package api exposes the photo ingestion surface: multipart uploads run
// the pipeline per file with partial success, deletion is idempotent, and
// geocoding is served through the bounded cache. The pipeline itself stays
// free of HTTP concerns.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/urbanatlas/fotopipe/internal/domain"
	"github.com/urbanatlas/fotopipe/internal/geo"
	"github.com/urbanatlas/fotopipe/internal/id"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
	"github.com/urbanatlas/fotopipe/internal/queue"
	"github.com/urbanatlas/fotopipe/internal/store"
)

// formFieldPhotos is the repeatable multipart field uploads arrive in.
const formFieldPhotos = "photos"

// defaultMaxFiles caps the number of files accepted per upload request.
const defaultMaxFiles = 10

type photoPipeline interface {
	Process(ctx context.Context, upload pipeline.RawUpload, spec pipeline.EncodeSpec) (pipeline.Result, error)
	Delete(ctx context.Context, name string) error
}

// ThumbnailQueue enqueues asynchronous thumbnail derivation after a main
// artifact is stored.
type ThumbnailQueue interface {
	EnqueueDeriveThumbnail(ctx context.Context, payload queue.DeriveThumbnailPayload) (*asynq.TaskInfo, error)
}

// Geocoder resolves addresses and coordinates through the bounded cache.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geo.Location, error)
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// Options carries the optional collaborators. A nil Queue skips thumbnail
// derivation, a nil Geocoder turns the geocode routes into 503s, and a nil
// Limiter disables rate limiting.
type Options struct {
	Queue    ThumbnailQueue
	Geocoder Geocoder
	Limiter  RateLimiter
	Bounds   geo.Bounds
	MaxFiles int
}

type Server struct {
	logger   zerolog.Logger
	pipe     photoPipeline
	ingests  store.IngestStore
	spec     pipeline.EncodeSpec
	queue    ThumbnailQueue
	geocoder Geocoder
	limiter  RateLimiter
	bounds   geo.Bounds
	maxFiles int
	metrics  *metrics
	tracer   trace.Tracer
	router   chi.Router
}

func NewServer(logger zerolog.Logger, pipe photoPipeline, ingests store.IngestStore, spec pipeline.EncodeSpec, opts Options) *Server {
	if ingests == nil {
		ingests = store.NewMemoryIngestStore()
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}

	s := &Server{
		logger:   logger,
		pipe:     pipe,
		ingests:  ingests,
		spec:     spec,
		queue:    opts.Queue,
		geocoder: opts.Geocoder,
		limiter:  opts.Limiter,
		bounds:   opts.Bounds,
		maxFiles: maxFiles,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("fotopipe/api"),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.withRequestLog)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/photos", func(r chi.Router) {
			r.With(s.withRateLimit).Post("/", s.handleUploadPhotos)
			r.Get("/{name}", s.handleGetPhoto)
			r.With(s.withRateLimit).Delete("/{name}", s.handleDeletePhoto)
		})
		r.Route("/geocode", func(r chi.Router) {
			r.Get("/", s.handleGeocode)
			r.Get("/reverse", s.handleReverseGeocode)
		})
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rawFile is one buffered upload from the multipart stream. Oversized files
// are kept in the list so the response can report them per-file instead of
// failing the whole submission.
type rawFile struct {
	filename string
	data     []byte
	tooLarge bool
}

type uploadForm struct {
	files      []rawFile
	lat, lng   float64
	hasPoint   bool
	webhookURL string
}

type artifactInfo struct {
	Name     string `json:"name"`
	IngestID string `json:"ingest_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

type fileResult struct {
	Filename string        `json:"filename"`
	Status   string        `json:"status"`
	Category string        `json:"category,omitempty"`
	Error    string        `json:"error,omitempty"`
	Artifact *artifactInfo `json:"artifact,omitempty"`
}

type uploadResponse struct {
	Stored  int          `json:"stored"`
	Failed  int          `json:"failed"`
	Results []fileResult `json:"results"`
}

// handleUploadPhotos runs the pipeline once per submitted file. A failed
// file is skipped and the submission proceeds: the response carries one
// outcome per file, and the status code reflects whether anything stored.
func (s *Server) handleUploadPhotos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	form, status, err := s.readUploadForm(w, r)
	if err != nil {
		writeJSON(w, status, errorBody(err.Error()))
		return
	}
	if len(form.files) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("no files in field \"photos\""))
		return
	}
	if form.hasPoint && !s.bounds.Contains(form.lat, form.lng) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("coordinates outside the supported map area"))
		return
	}

	resp := uploadResponse{Results: make([]fileResult, 0, len(form.files))}
	for _, f := range form.files {
		res := s.processUpload(ctx, f, form.webhookURL)
		if res.Status == "stored" {
			resp.Stored++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, res)
	}

	status = http.StatusCreated
	if resp.Stored == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// readUploadForm drains the multipart stream, buffering files up to the
// configured per-file byte cap and collecting the small scalar fields. The
// whole body is additionally bounded so an adversarial stream cannot grow
// memory past maxFiles * maxBytes.
func (s *Server) readUploadForm(w http.ResponseWriter, r *http.Request) (uploadForm, int, error) {
	var form uploadForm

	bodyLimit := int64(s.maxFiles)*s.spec.MaxBytes + (1 << 20)
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	mr, err := r.MultipartReader()
	if err != nil {
		return form, http.StatusBadRequest, fmt.Errorf("multipart form required: %v", err)
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return form, http.StatusRequestEntityTooLarge, errors.New("upload body exceeds the size limit")
			}
			return form, http.StatusBadRequest, fmt.Errorf("read multipart form: %v", err)
		}

		if part.FormName() == formFieldPhotos {
			filename := part.FileName()
			if filename == "" {
				part.Close()
				continue
			}
			if len(form.files) >= s.maxFiles {
				part.Close()
				return form, http.StatusBadRequest, fmt.Errorf("too many files, at most %d per request", s.maxFiles)
			}
			data, tooLarge, err := readFilePart(part, s.spec.MaxBytes)
			part.Close()
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					return form, http.StatusRequestEntityTooLarge, errors.New("upload body exceeds the size limit")
				}
				return form, http.StatusBadRequest, fmt.Errorf("read file %q: %v", filename, err)
			}
			form.files = append(form.files, rawFile{filename: filename, data: data, tooLarge: tooLarge})
			continue
		}

		val, err := readValuePart(part)
		name := part.FormName()
		part.Close()
		if err != nil {
			return form, http.StatusBadRequest, fmt.Errorf("read field %q: %v", name, err)
		}
		fields[name] = val
	}

	if err := parsePoint(fields, &form); err != nil {
		return form, http.StatusBadRequest, err
	}
	if raw := strings.TrimSpace(fields["webhook_url"]); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return form, http.StatusBadRequest, fmt.Errorf("webhook_url %q is not an http(s) URL", raw)
		}
		form.webhookURL = raw
	}
	return form, 0, nil
}

// readFilePart buffers at most maxBytes+1 bytes; reading past maxBytes
// marks the file oversized without buffering the remainder.
func readFilePart(part io.Reader, maxBytes int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return nil, true, nil
	}
	return data, false, nil
}

func readValuePart(part io.Reader) (string, error) {
	const maxFieldBytes = 4 << 10
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func parsePoint(fields map[string]string, form *uploadForm) error {
	latRaw, hasLat := fields["lat"]
	lngRaw, hasLng := fields["lng"]
	if !hasLat && !hasLng {
		return nil
	}
	if !hasLat || !hasLng {
		return errors.New("lat and lng must be provided together")
	}

	lat, latErr := strconv.ParseFloat(latRaw, 64)
	lng, lngErr := strconv.ParseFloat(lngRaw, 64)
	if latErr != nil || lngErr != nil {
		return fmt.Errorf("invalid coordinates %q,%q", latRaw, lngRaw)
	}
	form.lat, form.lng, form.hasPoint = lat, lng, true
	return nil
}

// processUpload runs one file through the pipeline and records the ingest.
// Failures are returned as per-file outcomes, never as HTTP errors.
func (s *Server) processUpload(ctx context.Context, f rawFile, webhookURL string) fileResult {
	if f.tooLarge {
		s.metrics.uploadsTotal.WithLabelValues("too_large").Inc()
		return fileResult{
			Filename: f.filename,
			Status:   "failed",
			Category: "too_large",
			Error:    fmt.Sprintf("file exceeds %d bytes", s.spec.MaxBytes),
		}
	}

	start := time.Now()
	res, err := s.pipe.Process(ctx, pipeline.RawUpload{Filename: f.filename, Data: f.data}, s.spec)
	if err != nil {
		category := errorCategory(err)
		s.metrics.uploadsTotal.WithLabelValues(category).Inc()
		s.logger.Info().
			Err(err).
			Str("filename", f.filename).
			Str("category", category).
			Msg("upload rejected")
		return fileResult{Filename: f.filename, Status: "failed", Category: category, Error: err.Error()}
	}

	ingestID, err := id.New()
	if err != nil {
		return s.rollbackUpload(ctx, f.filename, res.Name, fmt.Errorf("assign ingest id: %w", err))
	}

	now := time.Now().UTC()
	rec := domain.IngestRecord{
		ID:             ingestID,
		SourceFilename: f.filename,
		ArtifactName:   res.Name,
		Width:          res.Width,
		Height:         res.Height,
		Status:         domain.IngestStatusStored,
		WebhookURL:     webhookURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.ingests.Create(ctx, rec); err != nil {
		return s.rollbackUpload(ctx, f.filename, res.Name, fmt.Errorf("record ingest: %w", err))
	}

	if err := s.ingests.RecordStats(ctx, domain.ProcessingStats{
		IngestID:        ingestID,
		PixelsProcessed: int64(res.SourceWidth) * int64(res.SourceHeight),
		BytesIn:         int64(len(f.data)),
		BytesOut:        int64(res.Bytes),
		ComputeTimeMS:   max(1, time.Since(start).Milliseconds()),
		CreatedAt:       now,
	}); err != nil {
		s.logger.Warn().Err(err).Str("ingest_id", ingestID).Msg("ingest stats write failed")
	}

	s.enqueueThumbnail(ctx, rec)
	s.metrics.uploadsTotal.WithLabelValues("stored").Inc()

	return fileResult{
		Filename: f.filename,
		Status:   "stored",
		Artifact: &artifactInfo{
			Name:     res.Name,
			IngestID: ingestID,
			Width:    res.Width,
			Height:   res.Height,
			Bytes:    res.Bytes,
		},
	}
}

// rollbackUpload removes an artifact whose bookkeeping failed so no stored
// file exists without an ingest record addressing it.
func (s *Server) rollbackUpload(ctx context.Context, filename, artifact string, cause error) fileResult {
	s.logger.Error().Err(cause).Str("artifact", artifact).Msg("ingest bookkeeping failed, removing artifact")
	if err := s.pipe.Delete(ctx, artifact); err != nil {
		s.logger.Error().Err(err).Str("artifact", artifact).Msg("rollback delete failed")
	}
	s.metrics.uploadsTotal.WithLabelValues("internal").Inc()
	return fileResult{Filename: filename, Status: "failed", Category: "internal", Error: cause.Error()}
}

func (s *Server) enqueueThumbnail(ctx context.Context, rec domain.IngestRecord) {
	if s.queue == nil {
		return
	}

	info, err := s.queue.EnqueueDeriveThumbnail(ctx, queue.DeriveThumbnailPayload{
		IngestID:     rec.ID,
		ArtifactName: rec.ArtifactName,
		WebhookURL:   rec.WebhookURL,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		// The main artifact is stored either way; the record stays "stored"
		// so an operator can re-enqueue derivation later.
		s.logger.Warn().Err(err).Str("artifact", rec.ArtifactName).Msg("thumbnail enqueue failed")
		return
	}

	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	if _, err := s.ingests.UpdateStatus(ctx, rec.ID, domain.IngestStatusThumbnailing); err != nil {
		s.logger.Warn().Err(err).Str("ingest_id", rec.ID).Msg("ingest status update failed")
	}
}

type photoResponse struct {
	IngestID       string    `json:"ingest_id"`
	SourceFilename string    `json:"source_filename"`
	ArtifactName   string    `json:"artifact_name"`
	ThumbnailName  string    `json:"thumbnail_name,omitempty"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !domain.ValidArtifactName(name) {
		writeJSON(w, http.StatusNotFound, errorBody("unknown artifact"))
		return
	}

	rec, ok, err := s.ingests.GetByArtifact(r.Context(), name)
	if err != nil {
		s.logger.Error().Err(err).Str("artifact", name).Msg("ingest lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to load photo"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("unknown artifact"))
		return
	}

	writeJSON(w, http.StatusOK, photoResponse{
		IngestID:       rec.ID,
		SourceFilename: rec.SourceFilename,
		ArtifactName:   rec.ArtifactName,
		ThumbnailName:  rec.ThumbnailName,
		Width:          rec.Width,
		Height:         rec.Height,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	})
}

// handleDeletePhoto is idempotent end to end: deleting an unknown name, or
// the same name twice, answers deleted=true both times.
func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.pipe.Delete(r.Context(), name); err != nil {
		s.logger.Error().Err(err).Str("artifact", name).Msg("artifact delete failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"deleted": false,
			"error":   "failed to delete artifact",
		})
		return
	}

	if err := s.ingests.DeleteByArtifact(r.Context(), name); err != nil {
		s.logger.Warn().Err(err).Str("artifact", name).Msg("ingest record delete failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter \"q\" is required"))
		return
	}
	if s.geocoder == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("geocoding is not configured"))
		return
	}

	loc, err := s.geocoder.Geocode(r.Context(), query)
	switch {
	case errors.Is(err, geo.ErrNoResult):
		writeJSON(w, http.StatusNotFound, errorBody("no match for address"))
	case errors.Is(err, geo.ErrOutOfBounds):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("address resolves outside the supported map area"))
	case err != nil:
		s.logger.Error().Err(err).Str("query", query).Msg("geocode failed")
		writeJSON(w, http.StatusBadGateway, errorBody("geocoding upstream failed"))
	default:
		writeJSON(w, http.StatusOK, loc)
	}
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("lat and lng query parameters are required"))
		return
	}
	if s.geocoder == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("geocoding is not configured"))
		return
	}

	name, err := s.geocoder.ReverseGeocode(r.Context(), lat, lng)
	switch {
	case errors.Is(err, geo.ErrNoResult):
		writeJSON(w, http.StatusNotFound, errorBody("no address at coordinates"))
	case err != nil:
		s.logger.Error().Err(err).Float64("lat", lat).Float64("lng", lng).Msg("reverse geocode failed")
		writeJSON(w, http.StatusBadGateway, errorBody("geocoding upstream failed"))
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"display_name": name,
			"lat":          lat,
			"lng":          lng,
		})
	}
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

// errorCategory maps a pipeline failure to the stable category reported per
// file, mirroring the pipeline's sentinel taxonomy.
func errorCategory(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, pipeline.ErrDecode):
		return "decode_failed"
	case errors.Is(err, pipeline.ErrColorConversion):
		return "color_conversion_failed"
	case errors.Is(err, pipeline.ErrResize):
		return "resize_failed"
	case errors.Is(err, pipeline.ErrEncode):
		return "encode_failed"
	case errors.Is(err, pipeline.ErrNotFound):
		return "not_found"
	case errors.Is(err, pipeline.ErrStorage):
		return "storage_failed"
	default:
		return "internal"
	}
}

// clientSubject keys rate limiting by client address. RealIP middleware has
// already rewritten RemoteAddr when a proxy header is present.
func clientSubject(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
