package artifact

import (
	"encoding/json"
	"time"
)

// Status is the artifact workflow state. Transitions:
//
//	PENDING|FAILED -> SUBMITTING -> SUBMITTED_TO_LMS | FAILED
//	any non-terminal -> SUPERSEDED (newer attempt uploaded)
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSubmitting Status = "SUBMITTING"
	StatusSubmitted  Status = "SUBMITTED_TO_LMS"
	StatusFailed     Status = "FAILED"
	StatusSuperseded Status = "SUPERSEDED"
)

// TxnEntry is one step recorded into an artifact's transaction log during
// the submission conversation with Moodle.
type TxnEntry struct {
	Step   string    `json:"step"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Artifact is one scanned answer-paper record.
type Artifact struct {
	ID                int64
	UUID              string
	RawFilename       string
	CanonicalFilename string

	RegisterNo    string
	SubjectCode   string
	ExamType      string
	AttemptNumber int

	ContentHash string
	SizeBytes   int64
	MimeType    string
	DiskPath    string
	// FileContent is the inline blob fallback; nil when only disk holds
	// the bytes.
	FileContent []byte

	MoodleUserID   int64
	MoodleUsername string
	CourseID       int64
	AssignmentID   int64
	DraftItemID    int64
	SubmissionID   int64

	Status         Status
	IdempotencyKey string

	UploadedAt  time.Time
	ValidatedAt *time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time

	UploadedBy int64

	TxnLog        []TxnEntry
	LastError     string
	RetryCount    int
	AutoProcessed bool
	Tombstoned    bool
}

// Summary is the wire shape listed to staff and students.
type Summary struct {
	UUID          string `json:"artifact_uuid"`
	Filename      string `json:"filename"`
	RegisterNo    string `json:"register_number"`
	SubjectCode   string `json:"subject_code"`
	ExamType      string `json:"exam_type"`
	AttemptNumber int    `json:"attempt_number"`
	Status        string `json:"status"`
	AutoProcessed bool   `json:"auto_processed"`
	UploadedAt    string `json:"uploaded_at"`
	SizeBytes     int64  `json:"size_bytes"`
	MimeType      string `json:"mime_type,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func (a *Artifact) Summary() Summary {
	return Summary{
		UUID:          a.UUID,
		Filename:      a.CanonicalFilename,
		RegisterNo:    a.RegisterNo,
		SubjectCode:   a.SubjectCode,
		ExamType:      a.ExamType,
		AttemptNumber: a.AttemptNumber,
		Status:        string(a.Status),
		AutoProcessed: a.AutoProcessed,
		UploadedAt:    a.UploadedAt.UTC().Format(time.RFC3339),
		SizeBytes:     a.SizeBytes,
		MimeType:      a.MimeType,
		LastError:     a.LastError,
	}
}

func marshalTxn(entries []TxnEntry) string {
	if len(entries) == 0 {
		return "[]"
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(b)
}
