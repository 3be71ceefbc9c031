package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/examstack/exambridge/internal/ident"
)

// DefaultThreshold gates acceptance of an inference result. Below it the
// artifact keeps its original filename and is flagged for manual review.
const DefaultThreshold = 0.75

// The inference service may cold-start, so the extract call gets a long
// deadline while health checks stay snappy.
const (
	extractTimeout = 300 * time.Second
	healthTimeout  = 10 * time.Second
)

// Result is what the pipeline consumes. Degraded results come from the
// filename parser when the remote service is unreachable or unusable.
type Result struct {
	RegisterNo         string
	SubjectCode        string
	RegisterConfidence float64
	SubjectConfidence  float64
	SuggestedFilename  string
	Degraded           bool
	LowConfidence      bool
}

// Accepted reports whether the result is trustworthy enough for
// auto-renaming and auto-mapping.
func (r *Result) Accepted() bool {
	return r != nil && !r.Degraded && !r.LowConfidence && r.RegisterNo != "" && r.SubjectCode != ""
}

type wireResponse struct {
	Success            bool    `json:"success"`
	Error              string  `json:"error"`
	RegisterNumber     string  `json:"register_number"`
	RegisterConfidence float64 `json:"register_confidence"`
	SubjectCode        string  `json:"subject_code"`
	SubjectConfidence  float64 `json:"subject_confidence"`
	SuggestedFilename  string  `json:"suggested_filename"`
}

// Client calls the remote OCR inference service. A nil or disabled client
// always falls back to filename parsing.
type Client struct {
	baseURL   string
	http      *http.Client
	threshold float64
}

func New(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: extractTimeout},
		threshold: DefaultThreshold,
	}
}

func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

// Health probes the inference service.
func (c *Client) Health(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Extract posts the file to the inference service. On timeout, network
// error, non-2xx or malformed response it degrades to the filename parser
// rather than failing the upload; a nil result means flexible mode found
// nothing to go on.
func (c *Client) Extract(ctx context.Context, data []byte, filename, examType string) (*Result, error) {
	if !c.Enabled() {
		return fallback(filename), nil
	}
	res, err := c.callRemote(ctx, data, filename, examType)
	if err != nil {
		log.Printf("extract: remote inference failed, degrading to filename parse: %v", err)
		return fallback(filename), nil
	}
	return res, nil
}

func (c *Client) callRemote(ctx context.Context, data []byte, filename, examType string) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.WriteField("exam_type", examType); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("inference service returned %s", resp.Status)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("malformed inference response: %w", err)
	}
	if !wr.Success {
		return nil, fmt.Errorf("inference rejected file: %s", wr.Error)
	}
	if err := ident.ValidateRegister(wr.RegisterNumber); err != nil {
		return nil, fmt.Errorf("inference produced invalid register: %w", err)
	}
	if err := ident.ValidateSubject(wr.SubjectCode); err != nil {
		return nil, fmt.Errorf("inference produced invalid subject: %w", err)
	}

	res := &Result{
		RegisterNo:         wr.RegisterNumber,
		SubjectCode:        wr.SubjectCode,
		RegisterConfidence: wr.RegisterConfidence,
		SubjectConfidence:  wr.SubjectConfidence,
		SuggestedFilename:  wr.SuggestedFilename,
	}
	if wr.RegisterConfidence < c.threshold || wr.SubjectConfidence < c.threshold {
		res.LowConfidence = true
	}
	return res, nil
}

// fallback derives a degraded result from the filename, or nil when the
// name carries no identity.
func fallback(filename string) *Result {
	p, err := ident.ParseStrict(filename)
	if err != nil {
		return nil
	}
	return &Result{
		RegisterNo:  p.RegisterNo,
		SubjectCode: p.SubjectCode,
		Degraded:    true,
	}
}
