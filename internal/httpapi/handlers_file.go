package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/batchlm/engine/internal/httpapi/response"
	"github.com/batchlm/engine/internal/objectstore"
	"github.com/batchlm/engine/internal/platform/logger"
)

// FileHandler uploads a job's input file into object storage ahead of
// POST /api/jobs, returning the object key the job-creation body's
// input_object_key references (spec.md §4.1 "an Adapter is a Source
// plus Sink pair over some backing store" — the server front end's
// backing store is this bucket, grounded on the teacher's
// MaterialHandler.UploadMaterials multipart-to-bucket flow).
type FileHandler struct {
	log   *logger.Logger
	store objectstore.Store
}

func NewFileHandler(log *logger.Logger, store objectstore.Store) *FileHandler {
	return &FileHandler{log: log.With("handler", "FileHandler"), store: store}
}

const maxUploadBytes = 256 << 20 // 256MiB

// POST /api/files
func (h *FileHandler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_multipart_form", err)
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "open_upload_failed", err)
		return
	}
	defer f.Close()

	key := fmt.Sprintf("uploads/%s/%s", uuid.NewString(), fh.Filename)
	if err := h.store.Upload(c.Request.Context(), key, f); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "upload_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"object_key": key, "bytes": fh.Size})
}

// GET /api/files/:key/download streams an object back to the caller,
// used to retrieve a completed job's output file.
func (h *FileHandler) Download(c *gin.Context) {
	key := c.Param("key")
	rc, err := h.store.Download(c.Request.Context(), key)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "object_not_found", err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, nil)
}
