package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPFeatureFlags is the net/http-backed FeatureFlags implementation: a GET
// against endpoint+"/"+key expecting {"enabled": bool}. A flag the oracle
// can't be reached for fails open, matching original_source's mod.rs, which
// treats a missing feature_flag_client as "allowed" rather than blocking
// every event on an unrelated outage.
type HTTPFeatureFlags struct {
	httpClient *http.Client
	endpoint   string
	log        *logrus.Logger
}

// NewHTTPFeatureFlags builds an HTTPFeatureFlags against endpoint. An empty
// endpoint makes IsEnabled always report true without making a request.
func NewHTTPFeatureFlags(endpoint string, log *logrus.Logger) *HTTPFeatureFlags {
	return &HTTPFeatureFlags{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoint:   endpoint,
		log:        log,
	}
}

type featureFlagResponse struct {
	Enabled bool `json:"enabled"`
}

func (f *HTTPFeatureFlags) IsEnabled(ctx context.Context, key string) (bool, error) {
	if f.endpoint == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", f.endpoint, key), nil)
	if err != nil {
		return true, nil
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.log.WithError(err).WithField("flag", key).Warn("feature flag oracle unreachable, allowing by default")
		return true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.log.WithField("flag", key).WithField("status", resp.StatusCode).Warn("feature flag oracle returned a non-200 status, allowing by default")
		return true, nil
	}

	var body featureFlagResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return true, nil
	}

	return body.Enabled, nil
}

var _ FeatureFlags = (*HTTPFeatureFlags)(nil)
