package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/resilience"
)

// HTTPClient is the net/http-backed Client implementation, decorated with
// a circuit breaker so a failing loyalty API degrades the whole account
// fleet gracefully instead of queueing every account behind slow retries.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	clientSecret string
	sensorData string
	breaker    *resilience.CircuitBreaker
	log        *logrus.Logger
}

// NewHTTPClient builds an HTTPClient against baseURL, guarded by a
// circuit breaker that opens once at least ten calls have been counted and
// half or more of them failed (a transport error or a 5xx response), and
// stays open for resetTimeout.
func NewHTTPClient(baseURL, clientID, clientSecret, sensorData string, resetTimeout time.Duration, log *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		sensorData:   sensorData,
		breaker:      resilience.NewCircuitBreaker("upstream-loyalty-api", 0.5, resetTimeout),
		log:          log,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, int, error) {
	result, err := c.breaker.Call(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to build upstream request")
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "upstream request failed")
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to read upstream response")
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, apperrors.New(apperrors.ErrorTypeNetwork, "upstream server error").WithDetailsf("status=%d", resp.StatusCode)
		}

		return httpResult{body: respBody, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := result.(httpResult)
	return r.body, r.status, nil
}

type httpResult struct {
	body   []byte
	status int
}

// SecurityAuthToken obtains the client-credentials token used to bootstrap
// a fresh customer login, per original_source's client bootstrap step.
func (c *HTTPClient) SecurityAuthToken(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"grant_type":    "client_credentials",
	})

	body, status, err := c.do(ctx, http.MethodPost, "/security/auth/token", nil, payload)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", apperrors.New(apperrors.ErrorTypeAuth, "security auth token request rejected").
			WithDetailsf("status=%d", status)
	}

	var out struct {
		Response struct {
			Token string `json:"token"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode security auth token response")
	}
	return out.Response.Token, nil
}

// CustomerLogin performs a full username/password login, returning a fresh
// token pair and the device id the upstream assigned.
func (c *HTTPClient) CustomerLogin(ctx context.Context, securityToken, username, password, deviceID string) (LoginResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"username":    username,
		"password":    password,
		"device_id":   deviceID,
		"sensor_data": c.sensorData,
	})

	body, status, err := c.do(ctx, http.MethodPost, "/customer/login", c.authHeaders(securityToken), payload)
	if err != nil {
		return LoginResult{}, err
	}
	if status >= 400 {
		return LoginResult{}, apperrors.NewAuthError("customer login rejected").WithDetailsf("status=%d", status)
	}

	return decodeLoginResult(body, deviceID)
}

// CustomerLoginRefresh exchanges a refresh token for a new token pair. Per
// original_source's client.rs, success is judged at the body level
// (response.is_some()), not solely on the HTTP status, since the upstream
// API returns 200 with a null response on a stale refresh token.
func (c *HTTPClient) CustomerLoginRefresh(ctx context.Context, refreshToken, deviceID string) (LoginResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"refresh_token": refreshToken,
		"device_id":     deviceID,
	})

	body, status, err := c.do(ctx, http.MethodPost, "/customer/login/refresh", nil, payload)
	if err != nil {
		return LoginResult{}, err
	}

	var probe struct {
		Response json.RawMessage `json:"response"`
		Status   struct {
			Code int `json:"code"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return LoginResult{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode refresh response")
	}

	if len(probe.Response) == 0 || string(probe.Response) == "null" {
		return LoginResult{}, apperrors.NewAuthError("refresh token rejected, full login required").
			WithDetailsf("status=%d body_status_code=%d", status, probe.Status.Code)
	}

	return decodeLoginResult(body, deviceID)
}

func decodeLoginResult(body []byte, deviceID string) (LoginResult, error) {
	var out struct {
		Response struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return LoginResult{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode login response")
	}
	return LoginResult{
		AccessToken:  out.Response.AccessToken,
		RefreshToken: out.Response.RefreshToken,
		DeviceID:     deviceID,
		ObtainedAt:   time.Now(),
	}, nil
}

func (c *HTTPClient) authHeaders(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}

// GetOffers returns the full current catalog for the authenticated
// account.
func (c *HTTPClient) GetOffers(ctx context.Context, accessToken string) ([]OfferDTO, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/offers", c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, apperrors.New(apperrors.ErrorTypeNetwork, "get offers rejected").WithDetailsf("status=%d", status)
	}

	var out struct {
		Response []OfferDTO `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode offers response")
	}
	return out.Response, nil
}

// OfferDetails fetches the account-independent metadata for one
// proposition.
func (c *HTTPClient) OfferDetails(ctx context.Context, accessToken string, propositionID int64) (OfferDTO, error) {
	path := fmt.Sprintf("/offers/%d/details", propositionID)
	body, status, err := c.do(ctx, http.MethodGet, path, c.authHeaders(accessToken), nil)
	if err != nil {
		return OfferDTO{}, err
	}
	if status >= 400 {
		return OfferDTO{}, apperrors.New(apperrors.ErrorTypeNetwork, "offer details rejected").WithDetailsf("status=%d", status)
	}

	var out struct {
		Response OfferDTO `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return OfferDTO{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode offer details response")
	}
	out.Response.Raw = body
	return out.Response, nil
}

// GetOffersDealstack returns the account's current dealstack entries as
// scoped to storeID, matching original_source's
// get_offers_dealstack(store_id) — a dealstack read with no store in scope
// would wrongly treat an offer actually redeemable at another store as
// already used.
func (c *HTTPClient) GetOffersDealstack(ctx context.Context, accessToken, storeID string) ([]DealstackEntry, error) {
	path := "/offers/dealstack?store_id=" + url.QueryEscape(storeID)
	body, status, err := c.do(ctx, http.MethodGet, path, c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, apperrors.New(apperrors.ErrorTypeNetwork, "get dealstack rejected").WithDetailsf("status=%d", status)
	}

	var out struct {
		Response []DealstackEntry `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode dealstack response")
	}
	return out.Response, nil
}

// AddToOffersDealstack adds offerID to the account's dealstack.
func (c *HTTPClient) AddToOffersDealstack(ctx context.Context, accessToken string, offerID string) error {
	payload, _ := json.Marshal(map[string]string{"offer_id": offerID})
	_, status, err := c.do(ctx, http.MethodPost, "/offers/dealstack/add", c.authHeaders(accessToken), payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apperrors.New(apperrors.ErrorTypeNetwork, "add to dealstack rejected").WithDetailsf("status=%d", status)
	}
	return nil
}

// RemoveFromOffersDealstack removes offerID from the account's dealstack.
func (c *HTTPClient) RemoveFromOffersDealstack(ctx context.Context, accessToken string, offerID string) error {
	payload, _ := json.Marshal(map[string]string{"offer_id": offerID})
	_, status, err := c.do(ctx, http.MethodPost, "/offers/dealstack/remove", c.authHeaders(accessToken), payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apperrors.New(apperrors.ErrorTypeNetwork, "remove from dealstack rejected").WithDetailsf("status=%d", status)
	}
	return nil
}

// GetCustomerPoints returns the account's current loyalty point balance.
func (c *HTTPClient) GetCustomerPoints(ctx context.Context, accessToken string) (int, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/customer/points", c.authHeaders(accessToken), nil)
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, apperrors.New(apperrors.ErrorTypeNetwork, "get customer points rejected").WithDetailsf("status=%d", status)
	}

	var out struct {
		Response struct {
			Points int `json:"points"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode points response")
	}
	return out.Response.Points, nil
}

// RestaurantLocation resolves the nearest restaurant id for a coordinate.
func (c *HTTPClient) RestaurantLocation(ctx context.Context, accessToken string, lat, lon float64) (string, error) {
	path := fmt.Sprintf("/restaurant/location?lat=%f&lon=%f", lat, lon)
	body, status, err := c.do(ctx, http.MethodGet, path, c.authHeaders(accessToken), nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", apperrors.New(apperrors.ErrorTypeNetwork, "restaurant location rejected").WithDetailsf("status=%d", status)
	}

	var out struct {
		Response struct {
			RestaurantID string `json:"restaurant_id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to decode restaurant location response")
	}
	return out.Response.RestaurantID, nil
}

// GetRestaurant fetches the raw restaurant record for restaurantID.
func (c *HTTPClient) GetRestaurant(ctx context.Context, accessToken string, restaurantID string) ([]byte, error) {
	path := fmt.Sprintf("/restaurant/%s", restaurantID)
	body, status, err := c.do(ctx, http.MethodGet, path, c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, apperrors.New(apperrors.ErrorTypeNetwork, "get restaurant rejected").WithDetailsf("status=%d", status)
	}
	return body, nil
}

var _ Client = (*HTTPClient)(nil)
