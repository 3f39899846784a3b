package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/urbanatlas/fotopipe/internal/geo"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
	"github.com/urbanatlas/fotopipe/internal/ratelimit"
	"github.com/urbanatlas/fotopipe/internal/storage"
	"github.com/urbanatlas/fotopipe/internal/store"
)

var mainArtifactRe = regexp.MustCompile(`^[0-9a-f]{32}\.(png|jpg|jpeg)$`)

func newTestServer(t *testing.T, opts Options) (*Server, *store.MemoryIngestStore) {
	t.Helper()

	artifacts, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	pipe := pipeline.New(artifacts, zerolog.Nop())
	ingests := store.NewMemoryIngestStore()

	return NewServer(zerolog.Nop(), pipe, ingests, pipeline.DefaultEncodeSpec(), opts), ingests
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type uploadFile struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, files []uploadFile, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(formFieldPhotos, f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func decodeUploadResponse(t *testing.T, rec *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestUploadPhotos_PartialSuccess(t *testing.T) {
	srv, ingests := newTestServer(t, Options{})

	body, contentType := multipartBody(t, []uploadFile{
		{name: "good.png", data: buildTestPNG(t, 40, 30)},
		{name: "payload.exe", data: []byte("MZ not an image")},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	resp := decodeUploadResponse(t, rec)
	if resp.Stored != 1 || resp.Failed != 1 {
		t.Fatalf("stored=%d failed=%d, want 1/1", resp.Stored, resp.Failed)
	}

	var stored, failed *fileResult
	for i := range resp.Results {
		switch resp.Results[i].Filename {
		case "good.png":
			stored = &resp.Results[i]
		case "payload.exe":
			failed = &resp.Results[i]
		}
	}
	if stored == nil || stored.Artifact == nil {
		t.Fatal("good.png should have stored an artifact")
	}
	if !mainArtifactRe.MatchString(stored.Artifact.Name) {
		t.Errorf("artifact name %q does not match the generated convention", stored.Artifact.Name)
	}
	if stored.Artifact.Width != 40 || stored.Artifact.Height != 30 {
		t.Errorf("artifact dimensions = %dx%d, want 40x30", stored.Artifact.Width, stored.Artifact.Height)
	}
	if failed == nil || failed.Category != "unsupported_format" {
		t.Fatalf("payload.exe result = %+v, want category unsupported_format", failed)
	}

	rec2, ok, err := ingests.GetByArtifact(context.Background(), stored.Artifact.Name)
	if err != nil || !ok {
		t.Fatalf("ingest record missing for %s: ok=%v err=%v", stored.Artifact.Name, ok, err)
	}
	if rec2.SourceFilename != "good.png" {
		t.Errorf("ingest source filename = %q, want good.png", rec2.SourceFilename)
	}
}

func TestUploadPhotos_AllFailedIs400(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	body, contentType := multipartBody(t, []uploadFile{
		{name: "broken.png", data: []byte("not a png at all")},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeUploadResponse(t, rec)
	if resp.Stored != 0 || resp.Failed != 1 {
		t.Fatalf("stored=%d failed=%d, want 0/1", resp.Stored, resp.Failed)
	}
}

func TestUploadPhotos_NoFiles(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	body, contentType := multipartBody(t, nil, map[string]string{"lat": "45.75"})
	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadPhotos_OutOfBoundsCoordinates(t *testing.T) {
	bounds := geo.Bounds{North: 45.80, South: 45.70, East: 21.35, West: 21.10}
	srv, _ := newTestServer(t, Options{Bounds: bounds})

	body, contentType := multipartBody(t, []uploadFile{
		{name: "good.png", data: buildTestPNG(t, 10, 10)},
	}, map[string]string{"lat": "51.50", "lng": "-0.12"})

	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestUploadPhotos_LatWithoutLng(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	body, contentType := multipartBody(t, []uploadFile{
		{name: "good.png", data: buildTestPNG(t, 10, 10)},
	}, map[string]string{"lat": "45.75"})

	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func uploadOne(t *testing.T, srv *Server) string {
	t.Helper()
	body, contentType := multipartBody(t, []uploadFile{
		{name: "photo.png", data: buildTestPNG(t, 20, 20)},
	}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed upload failed: status %d body %s", rec.Code, rec.Body.String())
	}
	resp := decodeUploadResponse(t, rec)
	return resp.Results[0].Artifact.Name
}

func TestDeletePhoto_Idempotent(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	name := uploadOne(t, srv)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/v1/photos/"+name, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("delete #%d status = %d, want 200", i+1, rec.Code)
		}
		var resp map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode delete response: %v", err)
		}
		if resp["deleted"] != true {
			t.Fatalf("delete #%d deleted = %v, want true", i+1, resp["deleted"])
		}
	}
}

func TestGetPhoto(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	name := uploadOne(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/photos/"+name, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp photoResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode photo response: %v", err)
	}
	if resp.ArtifactName != name || resp.SourceFilename != "photo.png" {
		t.Fatalf("unexpected photo response: %+v", resp)
	}
}

func TestGetPhoto_UnknownAndInvalidNames(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	for _, name := range []string{
		"ffffffffffffffffffffffffffffffff.png", // well-formed but never stored
		"not-an-artifact",
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/photos/"+name, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %q status = %d, want 404", name, rec.Code)
		}
	}
}

func TestGeocode_NotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/geocode/?q=strada+exemplu", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}, nil
}

func TestRateLimit_Rejection(t *testing.T) {
	srv, _ := newTestServer(t, Options{Limiter: denyAllLimiter{}})

	body, contentType := multipartBody(t, []uploadFile{
		{name: "good.png", data: buildTestPNG(t, 10, 10)},
	}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{pipeline.ErrUnsupportedFormat, "unsupported_format"},
		{pipeline.ErrDecode, "decode_failed"},
		{pipeline.ErrColorConversion, "color_conversion_failed"},
		{pipeline.ErrResize, "resize_failed"},
		{pipeline.ErrEncode, "encode_failed"},
		{pipeline.ErrNotFound, "not_found"},
		{pipeline.ErrStorage, "storage_failed"},
		{errors.New("anything else"), "internal"},
	}
	for _, tt := range tests {
		if got := errorCategory(tt.err); got != tt.want {
			t.Errorf("errorCategory(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
