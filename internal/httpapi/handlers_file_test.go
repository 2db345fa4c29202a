package httpapi

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/batchlm/engine/internal/objectstore"
	"github.com/batchlm/engine/internal/platform/logger"
)

func newTestFileHandler(t *testing.T) (*FileHandler, objectstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	store := objectstore.NewMemStore()
	return NewFileHandler(log, store), store
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadStoresFileAndReturnsKey(t *testing.T) {
	h, _ := newTestFileHandler(t)

	body, contentType := multipartBody(t, "file", "input.jsonl", `{"text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.Upload(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"object_key"`)) {
		t.Fatalf("expected response to carry object_key, got %s", w.Body.String())
	}
}

func TestUploadMissingFileField(t *testing.T) {
	h, _ := newTestFileHandler(t)

	var buf bytes.Buffer
	w0 := multipart.NewWriter(&buf)
	_ = w0.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", w0.FormDataContentType())
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.Upload(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file field, got %d", w.Code)
	}
}

func TestDownloadNotFound(t *testing.T) {
	h, _ := newTestFileHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/files/missing/download", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Params = gin.Params{{Key: "key", Value: "missing"}}

	h.Download(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDownloadReturnsUploadedContent(t *testing.T) {
	h, store := newTestFileHandler(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if err := store.Upload(ctx, "known/key.txt", bytes.NewBufferString("payload")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files/known%2Fkey.txt/download", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Params = gin.Params{{Key: "key", Value: "known/key.txt"}}

	h.Download(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got, err := io.ReadAll(w.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected payload content, got %q", got)
	}
}
