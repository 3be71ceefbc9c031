// Package moodle speaks the Moodle web service REST protocol: token
// exchange, the function endpoint, and the draft file upload endpoint.
// Moodle reports errors as a JSON body containing "exception" even when
// the HTTP status is 200, so every response is inspected before decode.
package moodle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrorKind buckets a failed call by how the caller should react.
type ErrorKind string

const (
	// KindTransient: network faults, timeouts, 5xx. Worth retrying.
	KindTransient ErrorKind = "TRANSIENT"
	// KindAuthInvalid: the wstoken is dead. The owning session must be
	// discarded, never retried.
	KindAuthInvalid ErrorKind = "AUTH_INVALID"
	// KindAuthz: the token works but lacks capability on the target.
	KindAuthz ErrorKind = "AUTHZ"
	// KindPayloadReject: Moodle refused the content itself (size, type,
	// locked assignment). Retrying the same payload cannot succeed.
	KindPayloadReject ErrorKind = "PAYLOAD_REJECT"
	// KindUnknown: anything unclassified. Treated as retryable once.
	KindUnknown ErrorKind = "UNKNOWN"
)

// APIError is any failure coming back from Moodle or the transport.
type APIError struct {
	Kind      ErrorKind
	Exception string
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("moodle: %s (%s): %s", e.Kind, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("moodle: %s: %s", e.Kind, e.Message)
}

// Classify extracts the ErrorKind from any error, KindUnknown when the
// error did not come from this package.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// wireError is the error envelope Moodle returns with HTTP 200.
type wireError struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

func (w wireError) isError() bool { return w.Exception != "" || w.Error != "" }

func (w wireError) toAPIError() *APIError {
	msg := w.Message
	if msg == "" {
		msg = w.Error
	}
	kind := KindUnknown
	switch w.ErrorCode {
	case "invalidtoken", "invalidlogin", "usernotfullysetup", "forcepasswordchangenotice":
		kind = KindAuthInvalid
	case "nopermissions", "requireloginerror", "accessexception", "notenrolled":
		kind = KindAuthz
	case "maxbytes", "upload_error_ini_size", "upload_error_form_size",
		"submissionnotopen", "submissionsclosed", "couldnotconvertgrade",
		"duedatevalidation", "invalidfiletype":
		kind = KindPayloadReject
	}
	if kind == KindUnknown && strings.Contains(w.Exception, "invalid_token") {
		kind = KindAuthInvalid
	}
	return &APIError{Kind: kind, Exception: w.Exception, ErrorCode: w.ErrorCode, Message: msg}
}

func transientErr(err error) *APIError {
	return &APIError{Kind: KindTransient, Message: err.Error()}
}

// SiteInfo is the subset of core_webservice_get_site_info we use.
type SiteInfo struct {
	Username string `json:"username"`
	UserID   int64  `json:"userid"`
	FullName string `json:"fullname"`
	SiteName string `json:"sitename"`
}

// User is one row of core_user_get_users_by_field.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullname"`
	Email    string `json:"email"`
}

// Client calls one Moodle site. Safe for concurrent use.
type Client struct {
	base    string
	service string
	http    *http.Client
}

func New(baseURL, service string) *Client {
	if service == "" {
		service = "moodle_mobile_app"
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		service: service,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Login exchanges credentials for a web service token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
		"service":  {c.service},
	}
	body, err := c.postForm(ctx, c.base+"/login/token.php", form)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
		wireError
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &APIError{Kind: KindUnknown, Message: "undecodable token response"}
	}
	if resp.Token == "" {
		if resp.isError() {
			apiErr := resp.toAPIError()
			// token.php reports bad credentials as "invalidlogin".
			if apiErr.Kind == KindUnknown {
				apiErr.Kind = KindAuthInvalid
			}
			return "", apiErr
		}
		return "", &APIError{Kind: KindAuthInvalid, Message: "no token in response"}
	}
	return resp.Token, nil
}

// call invokes one web service function and returns the raw body after
// error-envelope inspection.
func (c *Client) call(ctx context.Context, token, function string, params url.Values) ([]byte, error) {
	form := url.Values{
		"wstoken":            {token},
		"wsfunction":         {function},
		"moodlewsrestformat": {"json"},
	}
	for k, vs := range params {
		form[k] = vs
	}
	body, err := c.postForm(ctx, c.base+"/webservice/rest/server.php", form)
	if err != nil {
		return nil, err
	}
	if werr := decodeEnvelope(body); werr != nil {
		return nil, werr
	}
	return body, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, transientErr(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transientErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transientErr(err)
	}
	if resp.StatusCode >= 500 {
		return nil, &APIError{Kind: KindTransient, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Kind: KindUnknown, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	return body, nil
}

// decodeEnvelope returns the error envelope if the body carries one.
// Bodies that are not JSON objects (arrays, null) cannot be envelopes.
func decodeEnvelope(body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var werr wireError
	if err := json.Unmarshal(trimmed, &werr); err != nil {
		return nil
	}
	if werr.isError() {
		return werr.toAPIError()
	}
	return nil
}

// SiteInfo verifies a token and identifies its owner.
func (c *Client) SiteInfo(ctx context.Context, token string) (SiteInfo, error) {
	body, err := c.call(ctx, token, "core_webservice_get_site_info", nil)
	if err != nil {
		return SiteInfo{}, err
	}
	var info SiteInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return SiteInfo{}, &APIError{Kind: KindUnknown, Message: "undecodable site info"}
	}
	return info, nil
}

// UserByField looks up one user, e.g. field "username". A missing user
// is (nil, nil).
func (c *Client) UserByField(ctx context.Context, token, field, value string) (*User, error) {
	params := url.Values{
		"field":     {field},
		"values[0]": {value},
	}
	body, err := c.call(ctx, token, "core_user_get_users_by_field", params)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, &APIError{Kind: KindUnknown, Message: "undecodable user lookup"}
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// UploadFile pushes file bytes into the token owner's draft area and
// returns the draft item id.
func (c *Client) UploadFile(ctx context.Context, token, filename string, data []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("token", token); err != nil {
		return 0, transientErr(err)
	}
	part, err := mw.CreateFormFile("file_1", filename)
	if err != nil {
		return 0, transientErr(err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, transientErr(err)
	}
	if err := mw.Close(); err != nil {
		return 0, transientErr(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/webservice/upload.php", &buf)
	if err != nil {
		return 0, transientErr(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transientErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, transientErr(err)
	}
	if resp.StatusCode >= 500 {
		return 0, &APIError{Kind: KindTransient, Message: fmt.Sprintf("upload http %d", resp.StatusCode)}
	}
	if werr := decodeEnvelope(body); werr != nil {
		return 0, werr
	}
	var files []struct {
		ItemID   int64  `json:"itemid"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &files); err != nil || len(files) == 0 {
		return 0, &APIError{Kind: KindUnknown, Message: "undecodable upload response"}
	}
	return files[0].ItemID, nil
}

// SaveSubmission attaches a draft item to an assignment as the current
// submission of the token owner.
func (c *Client) SaveSubmission(ctx context.Context, token string, assignmentID, itemID int64) error {
	params := url.Values{
		"assignmentid":                  {strconv.FormatInt(assignmentID, 10)},
		"plugindata[files_filemanager]": {strconv.FormatInt(itemID, 10)},
	}
	body, err := c.call(ctx, token, "mod_assign_save_submission", params)
	if err != nil {
		return err
	}
	return warningsToError(body)
}

// SubmitForGrading finalizes the current submission. Moodle acknowledges
// with an empty warnings array and does not return the submission id;
// callers that need it follow up with SubmissionID.
func (c *Client) SubmitForGrading(ctx context.Context, token string, assignmentID int64) error {
	params := url.Values{
		"assignmentid":              {strconv.FormatInt(assignmentID, 10)},
		"acceptsubmissionstatement": {"1"},
	}
	body, err := c.call(ctx, token, "mod_assign_submit_for_grading", params)
	if err != nil {
		return err
	}
	return warningsToError(body)
}

// SubmissionID reads the id of the token owner's submission on an
// assignment, 0 when the status call does not expose one.
func (c *Client) SubmissionID(ctx context.Context, token string, assignmentID int64) (int64, error) {
	params := url.Values{
		"assignid": {strconv.FormatInt(assignmentID, 10)},
	}
	body, err := c.call(ctx, token, "mod_assign_get_submission_status", params)
	if err != nil {
		return 0, err
	}
	var status struct {
		LastAttempt struct {
			Submission struct {
				ID int64 `json:"id"`
			} `json:"submission"`
		} `json:"lastattempt"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return 0, nil
	}
	return status.LastAttempt.Submission.ID, nil
}

// warningsToError maps a non-empty warnings array to a payload
// rejection; warnings are Moodle's way of reporting per-item refusals
// while keeping HTTP 200 and no exception.
func warningsToError(body []byte) error {
	var resp struct {
		Warnings []struct {
			WarningCode string `json:"warningcode"`
			Message     string `json:"message"`
		} `json:"warnings"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Some deployments answer with a bare array or null.
		var warnings []struct {
			WarningCode string `json:"warningcode"`
			Message     string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &warnings); err == nil && len(warnings) > 0 {
			return &APIError{Kind: KindPayloadReject, ErrorCode: warnings[0].WarningCode, Message: warnings[0].Message}
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil
	}
	if len(resp.Warnings) > 0 {
		return &APIError{Kind: KindPayloadReject, ErrorCode: resp.Warnings[0].WarningCode, Message: resp.Warnings[0].Message}
	}
	return nil
}
