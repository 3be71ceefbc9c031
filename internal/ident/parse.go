package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Exam types recognised across the system.
const (
	ExamCIA1 = "CIA1"
	ExamCIA2 = "CIA2"
	ExamCIA3 = "CIA3"
	ExamSEM  = "SEM"

	DefaultExamType = ExamCIA1
)

var examTypes = map[string]bool{ExamCIA1: true, ExamCIA2: true, ExamCIA3: true, ExamSEM: true}

// Strict filenames: {12-digit register}_{2-10 alnum subject}[_{exam type}].{ext}
var strictRe = regexp.MustCompile(`^(\d{12})_([A-Za-z0-9]{2,10})(?:_([A-Za-z0-9]+))?\.(pdf|jpg|jpeg|png)$`)

var (
	registerRe = regexp.MustCompile(`^\d{12}$`)
	subjectRe  = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
)

// Parsed is the identity tuple extracted from a filename.
type Parsed struct {
	RegisterNo  string
	SubjectCode string
	ExamType    string // empty when the filename carries none
	Ext         string // without dot, lowercased, jpeg normalised to jpg
}

type ParseError struct{ Reason string }

func (e *ParseError) Error() string { return "ident: " + e.Reason }

// ParseStrict extracts the identity tuple from a legacy-format filename.
func ParseStrict(filename string) (Parsed, error) {
	m := strictRe.FindStringSubmatch(strings.ToLower(filepath.Base(filename)))
	if m == nil {
		return Parsed{}, &ParseError{Reason: fmt.Sprintf("filename %q does not match REGISTER_SUBJECT.ext", filepath.Base(filename))}
	}
	p := Parsed{
		RegisterNo:  m[1],
		SubjectCode: strings.ToUpper(m[2]),
		Ext:         normalizeExt(m[4]),
	}
	if m[3] != "" {
		et, err := NormalizeExamType(m[3])
		if err != nil {
			return Parsed{}, err
		}
		p.ExamType = et
	}
	if !subjectRe.MatchString(p.SubjectCode) {
		return Parsed{}, &ParseError{Reason: fmt.Sprintf("invalid subject code %q", p.SubjectCode)}
	}
	return p, nil
}

// ValidateRegister checks for exactly 12 ASCII digits.
func ValidateRegister(reg string) error {
	if !registerRe.MatchString(reg) {
		return &ParseError{Reason: fmt.Sprintf("register number %q must be exactly 12 digits", reg)}
	}
	return nil
}

// ValidateSubject checks the normalised subject code format.
func ValidateSubject(code string) error {
	if !subjectRe.MatchString(strings.ToUpper(code)) {
		return &ParseError{Reason: fmt.Sprintf("subject code %q must match [A-Z0-9]{2,10}", code)}
	}
	return nil
}

// NormalizeExamType uppercases and validates an exam type; empty input
// yields the default.
func NormalizeExamType(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultExamType, nil
	}
	if !examTypes[s] {
		return "", &ParseError{Reason: fmt.Sprintf("unknown exam type %q", s)}
	}
	return s, nil
}

// Sniff identifies the content type by magic bytes and cross-checks it
// against the filename extension. Only PDF, JPEG and PNG are accepted.
func Sniff(data []byte, filename string) (mime, ext string, err error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		mime, ext = "application/pdf", "pdf"
	case mt.Is("image/jpeg"):
		mime, ext = "image/jpeg", "jpg"
	case mt.Is("image/png"):
		mime, ext = "image/png", "png"
	default:
		return "", "", &ParseError{Reason: fmt.Sprintf("unsupported content type %s", mt.String())}
	}
	nameExt := normalizeExt(strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."))
	if nameExt != "" && nameExt != ext {
		return "", "", &ParseError{Reason: fmt.Sprintf("extension .%s does not match detected type %s", nameExt, mime)}
	}
	return mime, ext, nil
}

// Fingerprint is the idempotency key: identical bytes uploaded for the
// same tuple always produce the same value.
func Fingerprint(register, subject, examType, contentHash string) string {
	sum := sha256.Sum256([]byte(register + "|" + subject + "|" + examType + "|" + contentHash))
	return hex.EncodeToString(sum[:])
}

// CanonicalFilename builds the normalised artifact filename.
func CanonicalFilename(register, subject, examType, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", register, subject, examType, strings.TrimPrefix(ext, "."))
}

func normalizeExt(ext string) string {
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}
