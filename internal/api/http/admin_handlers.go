package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/ident"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/moodle"
)

// Admin bundles the staff administration dependencies. LMSToken is the
// site-level token used for user lookups; empty disables them.
type Admin struct {
	Artifacts *artifact.Repo
	Mappings  *mapping.Store
	Audit     *audit.Store
	LMS       *moodle.Client
	LMSToken  string
}

func ListMappingsHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := a.Mappings.List(r.Context())
		if err != nil {
			writeFromError(w, err)
			return
		}
		if out == nil {
			out = []mapping.SubjectMapping{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func UpsertMappingHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m mapping.SubjectMapping
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "bad json")
			return
		}
		m.SubjectCode = strings.ToUpper(strings.TrimSpace(m.SubjectCode))
		if err := ident.ValidateSubject(m.SubjectCode); err != nil {
			writeFromError(w, err)
			return
		}
		et, err := ident.NormalizeExamType(m.ExamType)
		if err != nil {
			writeFromError(w, err)
			return
		}
		m.ExamType = et
		if m.CourseID <= 0 || m.AssignmentID <= 0 {
			writeError(w, http.StatusBadRequest, KindValidation, "moodle_course_id and moodle_assignment_id required")
			return
		}
		saved, err := a.Mappings.Upsert(r.Context(), m)
		if err != nil {
			writeFromError(w, err)
			return
		}
		a.log(r, "MAPPING_UPSERT", saved.SubjectCode+"/"+saved.ExamType, "")
		writeJSON(w, http.StatusOK, saved)
	}
}

func DeleteMappingHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "bad mapping id")
			return
		}
		if err := a.Mappings.Delete(r.Context(), id); err != nil {
			writeFromError(w, err)
			return
		}
		a.log(r, "MAPPING_DELETE", strconv.FormatInt(id, 10), "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func ListUserMapHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := a.Mappings.ListUserMap(r.Context())
		if err != nil {
			writeFromError(w, err)
			return
		}
		if out == nil {
			out = []mapping.UserMapEntry{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ImportUserMapHandler bulk-binds Moodle usernames to register numbers.
func ImportUserMapHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entries []mapping.UserMapEntry
		if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "bad json")
			return
		}
		type rejection struct {
			Entry mapping.UserMapEntry `json:"entry"`
			Error string               `json:"error"`
		}
		var (
			imported int
			rejected []rejection
		)
		for _, e := range entries {
			if e.Username == "" {
				rejected = append(rejected, rejection{e, "moodle_username required"})
				continue
			}
			if err := ident.ValidateRegister(e.Register); err != nil {
				rejected = append(rejected, rejection{e, err.Error()})
				continue
			}
			if err := a.Mappings.UpsertUserMap(r.Context(), e.Username, e.Register); err != nil {
				writeFromError(w, err)
				return
			}
			imported++
		}
		a.log(r, "USERMAP_IMPORT", "", strconv.Itoa(imported)+" imported")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"imported": imported,
			"rejected": rejected,
		})
	}
}

func AuditListHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		entries, total, err := a.Audit.List(r.Context(), limit, offset)
		if err != nil {
			writeFromError(w, err)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "items": entries})
	}
}

// ArtifactDetailHandler returns the full record including the
// transaction log, for failure diagnosis.
func ArtifactDetailHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		art, err := a.Artifacts.GetByUUID(r.Context(), chi.URLParam(r, "uuid"))
		if err != nil {
			writeFromError(w, err)
			return
		}
		trail, err := a.Audit.ForTarget(r.Context(), art.UUID)
		if err != nil {
			writeFromError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"artifact":    art.Summary(),
			"txn_log":     art.TxnLog,
			"retry_count": art.RetryCount,
			"audit":       trail,
		})
	}
}

// UpdateArtifactHandler corrects a misparsed identity tuple.
func UpdateArtifactHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RegisterNo  *string `json:"register_number"`
			SubjectCode *string `json:"subject_code"`
			ExamType    *string `json:"exam_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "bad json")
			return
		}
		f := artifact.UpdateFields{}
		if req.RegisterNo != nil {
			if err := ident.ValidateRegister(*req.RegisterNo); err != nil {
				writeFromError(w, err)
				return
			}
			f.RegisterNo = req.RegisterNo
		}
		if req.SubjectCode != nil {
			code := strings.ToUpper(strings.TrimSpace(*req.SubjectCode))
			if err := ident.ValidateSubject(code); err != nil {
				writeFromError(w, err)
				return
			}
			f.SubjectCode = &code
		}
		if req.ExamType != nil {
			et, err := ident.NormalizeExamType(*req.ExamType)
			if err != nil {
				writeFromError(w, err)
				return
			}
			f.ExamType = &et
		}
		uuid := chi.URLParam(r, "uuid")
		art, err := a.Artifacts.Update(r.Context(), uuid, f)
		if err != nil {
			writeFromError(w, err)
			return
		}
		a.log(r, "ARTIFACT_EDIT", uuid, "")
		writeJSON(w, http.StatusOK, art.Summary())
	}
}

func DeleteArtifactHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		if err := a.Artifacts.SoftDelete(r.Context(), uuid); err != nil {
			writeFromError(w, err)
			return
		}
		a.log(r, "ARTIFACT_DELETE", uuid, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// PurgeAllHandler hard-deletes every artifact. Requires confirm=true;
// meant for end-of-session cleanup after results are published.
func PurgeAllHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			writeError(w, http.StatusBadRequest, KindValidation, "purge requires confirm=true")
			return
		}
		n, err := a.Artifacts.PurgeAll(r.Context())
		if err != nil {
			writeFromError(w, err)
			return
		}
		a.log(r, "PURGE_ALL", "", strconv.FormatInt(n, 10)+" rows")
		writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
	}
}

// LookupUserHandler resolves a Moodle username through the site-level
// admin token, for building the user map.
func LookupUserHandler(a *Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.LMSToken == "" {
			writeError(w, http.StatusServiceUnavailable, KindUpstreamTransient, "no admin token configured")
			return
		}
		username := r.URL.Query().Get("username")
		if username == "" {
			writeError(w, http.StatusBadRequest, KindValidation, "username required")
			return
		}
		u, err := a.LMS.UserByField(r.Context(), a.LMSToken, "username", username)
		if err != nil {
			writeFromError(w, err)
			return
		}
		if u == nil {
			writeError(w, http.StatusNotFound, KindNotFound, "no such moodle user")
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func (a *Admin) log(r *http.Request, action, target, result string) {
	actorID := ""
	if claims := auth.StaffFromContext(r.Context()); claims != nil {
		actorID = strconv.FormatInt(claims.StaffID, 10)
	}
	_ = a.Audit.Log(r.Context(), audit.Entry{
		Action:    action,
		ActorType: audit.ActorStaff,
		ActorID:   actorID,
		Target:    target,
		Result:    result,
	})
}
