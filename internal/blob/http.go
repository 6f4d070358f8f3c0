package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// HTTPConfig holds blob endpoint configuration.
type HTTPConfig struct {
	BaseURL string // e.g. "https://media.example.com/evidence"
	Token   string // bearer token, optional
	Timeout time.Duration
}

// HTTPStore uploads blobs with HTTP PUT. The returned URL is the request
// URL, so the same path always resolves to the same URL.
type HTTPStore struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPStore creates an HTTPStore.
func NewHTTPStore(config *HTTPConfig) *HTTPStore {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Upload PUTs data under path and returns the public URL.
func (s *HTTPStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	url := strings.TrimSuffix(s.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "build upload request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrUploadFailed, "upload request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		return url, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Wrap(errors.ErrUploadFailed,
			fmt.Sprintf("upload failed with status %d", resp.StatusCode),
			fmt.Errorf("%s", string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Wrap(errors.ErrBlobRejected,
			fmt.Sprintf("upload rejected with status %d", resp.StatusCode),
			fmt.Errorf("%s", string(body)))
	}
}
