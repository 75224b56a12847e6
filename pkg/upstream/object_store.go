package upstream

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
)

// HTTPObjectStore is a plain net/http-based ObjectStore, matching the
// rest of this package's posture of talking to every external HTTP
// surface directly rather than through a cloud SDK. It treats baseURL as
// an S3-compatible-enough endpoint addressed as
// {baseURL}/{bucket}/{key}.
type HTTPObjectStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPObjectStore builds an HTTPObjectStore against baseURL.
func NewHTTPObjectStore(baseURL string) *HTTPObjectStore {
	return &HTTPObjectStore{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPObjectStore) objectURL(bucket, key string) string {
	return s.baseURL + path.Join("/", bucket, key)
}

// Head reports whether bucket/key already exists.
func (s *HTTPObjectStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(bucket, key), nil)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build object store HEAD request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "object store HEAD request failed")
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Put uploads data to bucket/key with the given content type.
func (s *HTTPObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(bucket, key), bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build object store PUT request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "object store PUT request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.New(apperrors.ErrorTypeNetwork, "object store rejected upload").WithDetailsf("status=%d", resp.StatusCode)
	}
	return nil
}

// Get downloads bucket/key.
func (s *HTTPObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(bucket, key), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build object store GET request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "object store GET request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.ErrorTypeNetwork, "object store rejected download").WithDetailsf("status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to read object store response")
	}
	return body, nil
}

