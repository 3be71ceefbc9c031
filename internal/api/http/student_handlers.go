package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/storage"
	"github.com/examstack/exambridge/internal/submit"
)

// Student bundles the student-facing dependencies.
type Student struct {
	Artifacts    *artifact.Repo
	Files        *storage.Store
	Mappings     *mapping.Store
	Orchestrator *submit.Orchestrator
}

// register resolves the session owner's register number. ok=false means
// the username has no mapping yet.
func (s *Student) register(r *http.Request) (string, bool, error) {
	sess := auth.SessionFromContext(r.Context())
	reg, err := s.Mappings.RegisterForUsername(r.Context(), sess.MoodleUsername)
	if errors.Is(err, mapping.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reg, true, nil
}

// DashboardHandler lists the student's papers across all attempts.
func DashboardHandler(s *Student) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := auth.SessionFromContext(r.Context())
		reg, mapped, err := s.register(r)
		if err != nil {
			writeFromError(w, err)
			return
		}
		resp := map[string]interface{}{
			"moodle_username": sess.MoodleUsername,
			"mapped":          mapped,
			"papers":          []artifact.Summary{},
		}
		if mapped {
			resp["register_number"] = reg
			papers, err := s.Artifacts.ListByRegister(r.Context(), reg)
			if err != nil {
				writeFromError(w, err)
				return
			}
			summaries := make([]artifact.Summary, 0, len(papers))
			for _, a := range papers {
				summaries = append(summaries, a.Summary())
			}
			resp["papers"] = summaries
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ownedPaper loads a paper and checks it belongs to the session owner.
func (s *Student) ownedPaper(w http.ResponseWriter, r *http.Request) (*artifact.Artifact, bool) {
	a, err := s.Artifacts.GetByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeFromError(w, err)
		return nil, false
	}
	reg, mapped, err := s.register(r)
	if err != nil {
		writeFromError(w, err)
		return nil, false
	}
	if !mapped || a.RegisterNo != reg {
		// Hide existence from non-owners.
		writeError(w, http.StatusNotFound, KindNotFound, "not found")
		return nil, false
	}
	return a, true
}

// PaperHandler streams the paper bytes for in-browser review.
func PaperHandler(s *Student) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.ownedPaper(w, r)
		if !ok {
			return
		}
		data, err := s.Files.Get(a.DiskPath, a.FileContent)
		if err != nil {
			writeFromError(w, err)
			return
		}
		w.Header().Set("Content-Type", a.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Disposition", `inline; filename="`+a.CanonicalFilename+`"`)
		_, _ = w.Write(data)
	}
}

// SubmitPaperHandler pushes the paper into Moodle under the student's
// own session.
func SubmitPaperHandler(s *Student) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.ownedPaper(w, r)
		if !ok {
			return
		}
		sess := auth.SessionFromContext(r.Context())
		if err := s.Orchestrator.Submit(r.Context(), a.ID, sess.ID); err != nil {
			writeFromError(w, err)
			return
		}
		updated, err := s.Artifacts.GetByID(r.Context(), a.ID)
		if err != nil {
			writeFromError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated.Summary())
	}
}
