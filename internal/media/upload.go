package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// Uploader posts images to an unsigned upload endpoint that answers with
// the public URL of the stored file.
type Uploader struct {
	url        string
	preset     string
	httpClient *http.Client
}

// NewUploader creates an Uploader for endpoint. preset is sent as the
// upload_preset form field when non-empty.
func NewUploader(endpoint, preset string) *Uploader {
	return &Uploader{
		url:    endpoint,
		preset: preset,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
}

// Upload sends f as a multipart form and returns its URL.
func (u *Uploader) Upload(ctx context.Context, f domain.File) (string, error) {
	if u.url == "" {
		return "", domain.NewError(domain.CodeValidation, "media upload is not configured")
	}

	body, contentType, err := multipartBody(f, u.preset)
	if err != nil {
		return "", fmt.Errorf("build upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapError(domain.CodeTransient, "send upload", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := domain.CodeInternal
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = domain.CodeTransient
		}
		return "", domain.NewError(code, fmt.Sprintf("upload failed (status %d): %s", resp.StatusCode, respBody))
	}

	var result uploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if result.SecureURL != "" {
		return result.SecureURL, nil
	}
	if result.URL != "" {
		return result.URL, nil
	}
	return "", fmt.Errorf("upload response has no url")
}

func multipartBody(f domain.File, preset string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := f.Name
	if name == "" {
		name = "image"
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(f.Data)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", err
	}

	if preset != "" {
		if err := w.WriteField("upload_preset", preset); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// Pipeline is the domain.MediaPipeline used by clients.
type Pipeline struct {
	Compressor
	*Uploader
}

var _ domain.MediaPipeline = (*Pipeline)(nil)

// NewPipeline combines compression limits with an uploader.
func NewPipeline(maxBytes, maxDimension int, uploadURL, preset string) *Pipeline {
	return &Pipeline{
		Compressor: Compressor{MaxBytes: maxBytes, MaxDimension: maxDimension},
		Uploader:   NewUploader(uploadURL, preset),
	}
}
