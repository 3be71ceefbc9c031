package http

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/extract"
	"github.com/examstack/exambridge/internal/ident"
	"github.com/examstack/exambridge/internal/storage"
)

// bulkWorkers caps concurrent per-file pipelines inside one bulk upload.
const bulkWorkers = 4

// Uploads bundles the upload pipeline dependencies. One instance is
// shared by all upload handlers.
type Uploads struct {
	Artifacts *artifact.Repo
	Files     *storage.Store
	Extractor *extract.Client
	MaxBytes  int64
}

type uploadResponse struct {
	Duplicate bool             `json:"duplicate"`
	Artifact  artifact.Summary `json:"artifact"`
}

// process runs one file through the full pipeline: sniff, identify,
// persist bytes, insert. allowExtract lets a failed strict parse fall
// to the inference service; forceExtract asks the service first.
func (u *Uploads) process(ctx context.Context, filename string, data []byte, examType string, allowExtract, forceExtract bool, staffID int64) (*artifact.Artifact, bool, error) {
	if int64(len(data)) > u.MaxBytes {
		return nil, false, &ident.ParseError{Reason: "file exceeds the size limit"}
	}
	if len(data) == 0 {
		return nil, false, &ident.ParseError{Reason: "empty file"}
	}
	mime, ext, err := ident.Sniff(data, filename)
	if err != nil {
		return nil, false, err
	}
	examType, err = ident.NormalizeExamType(examType)
	if err != nil {
		return nil, false, err
	}

	var (
		register, subject string
		autoProcessed     bool
		canonical         string
	)
	parsed, parseErr := ident.ParseStrict(filename)
	switch {
	case parseErr == nil && !forceExtract:
		register, subject = parsed.RegisterNo, parsed.SubjectCode
		if parsed.ExamType != "" {
			examType = parsed.ExamType
		}
	case (allowExtract || forceExtract) && u.Extractor.Enabled():
		res, err := u.Extractor.Extract(ctx, data, filename, examType)
		if err != nil {
			return nil, false, err
		}
		if res.Accepted() {
			register, subject = res.RegisterNo, res.SubjectCode
			autoProcessed = true
			break
		}
		// Degraded or low-confidence results still carry a usable
		// identity; they just stay out of the auto-processed bucket and
		// keep the name the scanner gave the file.
		if res != nil && res.RegisterNo != "" && res.SubjectCode != "" {
			register, subject = res.RegisterNo, res.SubjectCode
			canonical = filepath.Base(filename)
			break
		}
		if parseErr != nil {
			return nil, false, parseErr
		}
		register, subject = parsed.RegisterNo, parsed.SubjectCode
	default:
		if parseErr != nil {
			return nil, false, parseErr
		}
		register, subject = parsed.RegisterNo, parsed.SubjectCode
		if parsed.ExamType != "" {
			examType = parsed.ExamType
		}
	}

	diskPath, hash, size, diskErr := u.Files.Put(data, ext)
	if diskErr != nil {
		// Disk is only the fast path; the blob column carries the bytes.
		log.Printf("upload: disk write for %q failed, keeping blob only: %v", filename, diskErr)
		diskPath = ""
	}
	if canonical == "" {
		canonical = ident.CanonicalFilename(register, subject, examType, ext)
	}
	a, dup, err := u.Artifacts.Create(ctx, artifact.CreateParams{
		RawFilename:       filename,
		CanonicalFilename: canonical,
		RegisterNo:        register,
		SubjectCode:       subject,
		ExamType:          examType,
		ContentHash:       hash,
		SizeBytes:         size,
		MimeType:          mime,
		DiskPath:          diskPath,
		FileContent:       data,
		UploadedBy:        staffID,
		AutoProcessed:     autoProcessed,
	})
	if err != nil && diskErr != nil {
		// Neither backend holds the bytes now.
		return nil, false, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return a, dup, err
}

func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1024)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "bad multipart form or file too large")
		return "", nil, false
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "file field required")
		return "", nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "unreadable file")
		return "", nil, false
	}
	return hdr.Filename, data, true
}

func staffID(r *http.Request) int64 {
	if claims := auth.StaffFromContext(r.Context()); claims != nil {
		return claims.StaffID
	}
	return 0
}

// UploadHandler ingests one paper. Strict filenames go straight
// through; with flexible=true a non-conforming name falls to the
// extraction service when one is configured.
func UploadHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename, data, ok := readUpload(w, r, u.MaxBytes)
		if !ok {
			return
		}
		flexible := r.FormValue("flexible") == "true"
		a, dup, err := u.process(r.Context(), filename, data, r.FormValue("exam_type"), flexible, false, staffID(r))
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

type bulkResult struct {
	Filename  string            `json:"filename"`
	OK        bool              `json:"ok"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Artifact  *artifact.Summary `json:"artifact,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// BulkUploadHandler ingests a batch in one request. Files are processed
// concurrently; one bad file fails only its own slot.
func BulkUploadHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(u.MaxBytes * 2); err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "bad multipart form")
			return
		}
		files := r.MultipartForm.File["file[]"]
		if len(files) == 0 {
			// Older clients send the batch under "files".
			files = r.MultipartForm.File["files"]
		}
		if len(files) == 0 {
			writeError(w, http.StatusBadRequest, KindValidation, "file[] field required")
			return
		}
		examType := r.FormValue("exam_type")
		uploader := staffID(r)

		results := make([]bulkResult, len(files))
		g, ctx := errgroup.WithContext(r.Context())
		g.SetLimit(bulkWorkers)
		for i, hdr := range files {
			i, hdr := i, hdr
			g.Go(func() error {
				results[i] = bulkResult{Filename: hdr.Filename}
				f, err := hdr.Open()
				if err != nil {
					results[i].Error = "unreadable file"
					return nil
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					results[i].Error = "unreadable file"
					return nil
				}
				a, dup, err := u.process(ctx, hdr.Filename, data, examType, false, false, uploader)
				if err != nil {
					results[i].Error = err.Error()
					return nil
				}
				s := a.Summary()
				results[i].OK = true
				results[i].Duplicate = dup
				results[i].Artifact = &s
				return nil
			})
		}
		_ = g.Wait()

		accepted := 0
		for _, res := range results {
			if res.OK {
				accepted++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accepted": accepted,
			"rejected": len(results) - accepted,
			"results":  results,
		})
	}
}

func listFilterFromQuery(r *http.Request) artifact.ListFilter {
	q := r.URL.Query()
	f := artifact.ListFilter{
		Status: artifact.Status(q.Get("status")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

func writePage(w http.ResponseWriter, items []*artifact.Artifact, total int) {
	summaries := make([]artifact.Summary, 0, len(items))
	for _, a := range items {
		summaries = append(summaries, a.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"items": summaries,
	})
}

func ListUploadsHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, total, err := u.Artifacts.List(r.Context(), listFilterFromQuery(r))
		if err != nil {
			writeFromError(w, err)
			return
		}
		writePage(w, items, total)
	}
}

func ListAutoProcessedHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := listFilterFromQuery(r)
		yes := true
		f.AutoProcessed = &yes
		items, total, err := u.Artifacts.List(r.Context(), f)
		if err != nil {
			writeFromError(w, err)
			return
		}
		writePage(w, items, total)
	}
}

// ListUnassignedHandler shows papers whose register number no known
// student owns yet.
func ListUnassignedHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := listFilterFromQuery(r)
		f.Unassigned = true
		items, total, err := u.Artifacts.List(r.Context(), f)
		if err != nil {
			writeFromError(w, err)
			return
		}
		writePage(w, items, total)
	}
}

func UploadStatsHandler(u *Uploads) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := u.Artifacts.Stats(r.Context())
		if err != nil {
			writeFromError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"by_status": stats})
	}
}
