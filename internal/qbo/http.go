package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://quickbooks.api.intuit.com"
	SandboxBaseURL = "https://sandbox-quickbooks.api.intuit.com"

	intuitTIDHeader = "intuit_tid"

	// MissingTIDMessage is recorded on a 200 response that carried no
	// intuit_tid header.
	MissingTIDMessage = "upload accepted without intuit_tid response header"
)

type HTTPUploaderOptions struct {
	BaseURL    string
	Sessions   SessionProvider
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPUploader posts attachables to the QBO upload endpoint. Calls are never
// retried here: a retry after a lost response could attach the file twice,
// and the ledger decides what gets attempted again on the next run.
type HTTPUploader struct {
	baseURL    string
	sessions   SessionProvider
	httpClient *http.Client
	userAgent  string
}

func NewHTTPUploader(opts HTTPUploaderOptions) *HTTPUploader {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = FakeSessionProvider{}
	}
	return &HTTPUploader{
		baseURL:    baseURL,
		sessions:   sessions,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

type entityRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type attachableRef struct {
	EntityRef entityRef `json:"EntityRef"`
}

type attachableMetadata struct {
	AttachableRef []attachableRef `json:"AttachableRef"`
	FileName      string          `json:"FileName"`
	ContentType   string          `json:"ContentType"`
}

type faultResponse struct {
	Fault struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
	} `json:"Fault"`
}

func (u *HTTPUploader) Upload(ctx context.Context, entityType, entityID, filePath string) Response {
	start := time.Now()
	fail := func(status int, format string, args ...any) Response {
		return Response{StatusCode: status, Error: fmt.Sprintf(format, args...), Duration: time.Since(start)}
	}

	if !isRegularFile(filePath) {
		return fail(http.StatusNotFound, "file not found: %s", filePath)
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fail(http.StatusNotFound, "file not found: %s", filePath)
	}
	session, err := u.sessions.Session(ctx)
	if err != nil {
		return fail(0, "qbo session: %v", err)
	}

	body, contentType, err := buildUploadBody(entityType, entityID, filepath.Base(filePath), content)
	if err != nil {
		return fail(0, "build upload body: %v", err)
	}
	endpoint := fmt.Sprintf("%s/v3/company/%s/upload", u.baseURL, url.PathEscape(session.RealmID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fail(0, "build upload request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	if u.userAgent != "" {
		req.Header.Set("User-Agent", u.userAgent)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fail(0, "upload request failed: %v", err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	tid := strings.TrimSpace(resp.Header.Get(intuitTIDHeader))

	if resp.StatusCode == http.StatusOK {
		ok := Response{StatusCode: http.StatusOK, IntuitTID: tid, Duration: time.Since(start)}
		if tid == "" {
			// Still a success: the attachment exists remotely.
			ok.Error = MissingTIDMessage
		}
		return ok
	}

	message := remoteErrorMessage(respBody)
	if readErr != nil && message == "" {
		message = readErr.Error()
	}
	status := resp.StatusCode
	if status == http.StatusNotFound || (status >= 200 && status <= 299) {
		// 404 means a missing local file to callers; 2xx other than 200 is not a
		// confirmed attachment.
		message = fmt.Sprintf("unexpected remote status %d: %s", status, message)
		status = http.StatusBadGateway
	}
	return Response{StatusCode: status, IntuitTID: tid, Error: message, Duration: time.Since(start)}
}

func buildUploadBody(entityType, entityID, fileName string, content []byte) (io.Reader, string, error) {
	fileType := detectContentType(fileName)
	metadata, err := json.Marshal(attachableMetadata{
		AttachableRef: []attachableRef{{EntityRef: entityRef{Type: entityType, Value: entityID}}},
		FileName:      fileName,
		ContentType:   fileType,
	})
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="file_metadata_0"; filename="attachment.json"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metadata); err != nil {
		return nil, "", err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "file_content_0",
		"filename": fileName,
	}))
	fileHeader.Set("Content-Type", fileType)
	part, err = writer.CreatePart(fileHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

func remoteErrorMessage(body []byte) string {
	var fault faultResponse
	if json.Unmarshal(body, &fault) == nil && len(fault.Fault.Error) > 0 {
		first := fault.Fault.Error[0]
		parts := []string{}
		if first.Code != "" {
			parts = append(parts, "code="+first.Code)
		}
		if first.Message != "" {
			parts = append(parts, first.Message)
		}
		if first.Detail != "" && first.Detail != first.Message {
			parts = append(parts, first.Detail)
		}
		if len(parts) > 0 {
			return strings.Join(parts, ": ")
		}
	}
	return strings.TrimSpace(string(body))
}

func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}
