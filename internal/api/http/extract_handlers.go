package http

import (
	"net/http"

	"github.com/examstack/exambridge/internal/extract"
)

// ScanUploadHandler ingests a paper with an opaque filename, asking the
// inference service for the identity before any strict parsing.
func ScanUploadHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !u.Extractor.Enabled() {
			writeError(w, http.StatusServiceUnavailable, KindUpstreamTransient, "extraction service not configured")
			return
		}
		filename, data, ok := readUpload(w, r, u.MaxBytes)
		if !ok {
			return
		}
		a, dup, err := u.process(r.Context(), filename, data, r.FormValue("exam_type"), true, true, staffID(r))
		if err != nil {
			writeFromError(w, err)
			return
		}
		status := http.StatusCreated
		if dup {
			status = http.StatusOK
		}
		writeJSON(w, status, uploadResponse{Duplicate: dup, Artifact: a.Summary()})
	}
}

func ExtractHealthHandler(client *extract.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !client.Enabled() {
			writeJSON(w, http.StatusOK, map[string]interface{}{"configured": false, "healthy": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"configured": true,
			"healthy":    client.Health(r.Context()),
		})
	}
}
