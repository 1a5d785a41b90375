package http

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/adapters/memory"
)

// BlobHandler serves the signed URLs of the in-memory blob store, so local
// runs can upload reference audio and play results without object storage.
type BlobHandler struct {
	store    *memory.BlobStore
	maxBytes int64
	logger   zerolog.Logger
}

// NewBlobHandler creates a blob handler.
func NewBlobHandler(store *memory.BlobStore, maxBytes int64, logger zerolog.Logger) *BlobHandler {
	return &BlobHandler{store: store, maxBytes: maxBytes, logger: logger}
}

// Routes returns the blob routes.
func (h *BlobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.Download)
	r.Put("/*", h.Upload)
	return r
}

func (h *BlobHandler) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return "", false
	}
	q := r.URL.Query()
	if !h.store.Verify(r.Method, key, q.Get("expires"), q.Get("sig")) {
		writeDetail(w, http.StatusForbidden, "Invalid or expired signature.")
		return "", false
	}
	return key, true
}

// Download serves an object for a signed GET URL.
func (h *BlobHandler) Download(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	data, err := h.store.Get(r.Context(), key)
	if errors.Is(err, memory.ErrBlobNotFound) {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ct := h.store.ContentType(key)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Write(data)
}

// Upload stores the request body for a signed PUT URL.
func (h *BlobHandler) Upload(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		writeDetail(w, http.StatusRequestEntityTooLarge, "Upload too large.")
		return
	}
	if len(data) == 0 {
		writeDetail(w, http.StatusBadRequest, "Upload body is empty.")
		return
	}
	if err := h.store.Put(r.Context(), key, data, r.Header.Get("Content-Type")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
