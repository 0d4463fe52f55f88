// Package verify handles worker verification submissions: local document
// checks, the multipart upload, and the status events the backend pushes
// back while documents are reviewed.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

// Client uploads verification documents. Validation happens before any
// network traffic so an incomplete submission never costs an upload.
type Client struct {
	BaseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		// uploads carry images; allow more than an API round trip
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Validate checks a submission for completeness. The driving license is
// the only optional document.
func Validate(docs models.VerificationDocs) error {
	if docs.Category == "" {
		return fmt.Errorf("category is required: %w", fault.ErrValidationFailed)
	}
	if len(docs.Citizenship) == 0 {
		return fmt.Errorf("citizenship document is required: %w", fault.ErrValidationFailed)
	}
	if len(docs.ServiceCert) == 0 {
		return fmt.Errorf("service certificate is required: %w", fault.ErrValidationFailed)
	}
	if len(docs.ExperienceCert) == 0 {
		return fmt.Errorf("experience certificate is required: %w", fault.ErrValidationFailed)
	}
	return nil
}

// SubmitDocuments validates locally, then uploads the documents as a
// multipart form. The server acknowledges with 202 and later pushes
// verification status events over the realtime connection.
func (c *Client) SubmitDocuments(ctx context.Context, workerID string, docs models.VerificationDocs) error {
	if err := Validate(docs); err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("worker_id", workerID); err != nil {
		return err
	}
	if err := mw.WriteField("category", docs.Category); err != nil {
		return err
	}
	parts := []struct {
		field string
		data  []byte
	}{
		{"citizenship", docs.Citizenship},
		{"service_cert", docs.ServiceCert},
		{"experience_cert", docs.ExperienceCert},
	}
	if len(docs.DrivingLicense) > 0 {
		parts = append(parts, struct {
			field string
			data  []byte
		}{"driving_license", docs.DrivingLicense})
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.field+".jpg")
		if err != nil {
			return err
		}
		if _, err := fw.Write(p.data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/verification/documents", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("verification upload: %w", fault.ErrTimeout)
		}
		return fmt.Errorf("verification upload: %w", fault.ErrProviderUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("verification upload: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
