package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/storage"
)

// FilesDownload serves artifacts behind signed links issued by the storage
// layer.
func (a *App) FilesDownload(w http.ResponseWriter, r *http.Request) {
	if a.Files == nil {
		a.error(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := a.Files.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		if errors.Is(err, storage.ErrInvalidSignature) {
			a.error(w, http.StatusForbidden, "forbidden", "link expired or invalid")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid file key")
		return
	}
	data, contentType, err := a.Files.Open(key)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
