// Package upstream defines the boundary between the engine and the
// loyalty API it drives: authentication, offer catalog reads, dealstack
// mutations, and the supporting object-store and feature-flag oracle.
// spec.md treats the upstream HTTP surface itself as out of scope; this
// package only defines the interfaces every other component depends on
// and a net/http-based implementation in the teacher's style, decorated
// with the circuit breaker from pkg/resilience.
package upstream

import (
	"context"
	"time"
)

// LoginResult carries the token pair and device id returned by a fresh
// login or a refresh, mirroring original_source's client.rs.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	DeviceID     string
	ObtainedAt   time.Time
}

// OfferDTO is the wire shape of a single catalog offer, as returned by
// get_offers and offer_details.
type OfferDTO struct {
	PropositionID int64
	Name          string
	Description   string
	ImageBaseName string
	Price         *float64
	Categories    []string
	ProductSets   []ProductSet `json:"product_sets"`
	ValidFrom     time.Time
	ValidTo       time.Time
	Raw           []byte
}

// ProductSet is one line item of an offer's redemption terms; Action's
// value is what OfferDetailsPrice sums to price the offer.
type ProductSet struct {
	Alias    string  `json:"alias"`
	Quantity int64   `json:"quantity"`
	Action   *Action `json:"action"`
}

// Action carries the monetary value attached to a ProductSet.
type Action struct {
	Value float64 `json:"value"`
}

// OfferDetailsPrice computes an offer's price as the sum of its product
// sets' action values (original_source's database/offer.rs fold), nil
// when the total is zero.
func OfferDetailsPrice(productSets []ProductSet) *float64 {
	total := 0.0
	for _, ps := range productSets {
		if ps.Action != nil {
			total += ps.Action.Value
		}
	}
	if total == 0 {
		return nil
	}
	return &total
}

// DealstackEntry is one entry in a customer's upstream dealstack.
type DealstackEntry struct {
	OfferID string
}

// Client is the loyalty API surface the engine depends on. spec.md §6
// leaves its wire protocol out of scope; this interface is the seam every
// component codes against so it can be faked in tests.
type Client interface {
	SecurityAuthToken(ctx context.Context) (string, error)
	CustomerLogin(ctx context.Context, securityToken, username, password, deviceID string) (LoginResult, error)
	CustomerLoginRefresh(ctx context.Context, refreshToken, deviceID string) (LoginResult, error)

	GetOffers(ctx context.Context, accessToken string) ([]OfferDTO, error)
	OfferDetails(ctx context.Context, accessToken string, propositionID int64) (OfferDTO, error)

	GetOffersDealstack(ctx context.Context, accessToken, storeID string) ([]DealstackEntry, error)
	AddToOffersDealstack(ctx context.Context, accessToken string, offerID string) error
	RemoveFromOffersDealstack(ctx context.Context, accessToken string, offerID string) error

	GetCustomerPoints(ctx context.Context, accessToken string) (int, error)
	RestaurantLocation(ctx context.Context, accessToken string, lat, lon float64) (string, error)
	GetRestaurant(ctx context.Context, accessToken string, restaurantID string) ([]byte, error)
}

// ObjectStore is the image/blob store SaveImage uploads catalog artwork
// into, and that offer detail rendering reads back from.
type ObjectStore interface {
	Head(ctx context.Context, bucket, key string) (bool, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// FeatureFlags is the boolean-oracle gate the Event Dispatcher consults
// before running a handler (spec.md §4.6's should_run check).
type FeatureFlags interface {
	IsEnabled(ctx context.Context, key string) (bool, error)
}
