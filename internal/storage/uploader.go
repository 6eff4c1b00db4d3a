// Package storage uploads challenge static files to the object store.
//
// Two backends exist. The default posts each file to the upload hub over
// HTTP with the webhook bearer token. When S3 credentials are configured the
// hub is bypassed and files go straight to the S3-compatible endpoint.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// Uploader stores one challenge file under {chall_name}/{basename}.
type Uploader interface {
	Upload(ctx context.Context, challName, basename string, data []byte) error
}

// HubUploader posts files to the upload hub, which owns the bucket.
type HubUploader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHubUploader creates an uploader POSTing to baseURL with the given
// bearer token.
func NewHubUploader(baseURL, token string) *HubUploader {
	return &HubUploader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload sends the raw file bytes to {base}/{chall_name}/{basename}.
// Any 2xx answer counts as stored.
func (u *HubUploader) Upload(ctx context.Context, challName, basename string, data []byte) error {
	url := u.baseURL + "/" + path.Join(challName, basename)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload %s: %w", url, err)
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", contentTypeFor(basename))

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload %s: hub answered %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// contentTypeFor guesses a content type from the file extension.
func contentTypeFor(basename string) string {
	if ct := mime.TypeByExtension(path.Ext(basename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
