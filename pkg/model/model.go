// Package model holds the persistent entities described in spec.md §3.
// These are plain structs with sqlx "db" tags; no behavior lives here —
// components own the operations that read and write them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Account is a credentialed identity used to drive the upstream loyalty
// API. Tokens are owned by the Token Refresh State Machine (C4); counters
// are owned by the Offer Refresh Pipeline (C5).
type Account struct {
	AccountID uuid.UUID `db:"account_id"`

	Username string `db:"username"`
	Password string `db:"password"`
	Region   string `db:"region"`
	Group    string `db:"account_group"`

	AccessToken        *string    `db:"access_token"`
	RefreshToken       *string    `db:"refresh_token"`
	DeviceID           *string    `db:"device_id"`
	LastTokenRefreshAt *time.Time `db:"last_token_refresh_at"`

	RefreshFailureCount int        `db:"refresh_failure_count"`
	OffersRefreshedAt   *time.Time `db:"offers_refreshed_at"`
	Points              int        `db:"points"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Offer is the current, live instance of a redeemable offer for one
// account. Deleted and rewritten wholesale by C5 on every refresh.
type Offer struct {
	OfferID            uuid.UUID `db:"offer_id"`
	AccountID           uuid.UUID `db:"account_id"`
	OfferPropositionID  int64     `db:"offer_proposition_id"`
	ValidFrom           time.Time `db:"valid_from"`
	ValidTo             time.Time `db:"valid_to"`
}

// OfferDetails is the human-readable, account-independent metadata for a
// proposition. Upserted by C5; stable across refreshes until upstream
// changes it.
type OfferDetails struct {
	PropositionID int64   `db:"proposition_id"`
	Name          string  `db:"name"`
	Description   string  `db:"description"`
	ImageBaseName string  `db:"image_base_name"`
	Price         *float64 `db:"price"`
	Categories    string  `db:"categories"` // comma-joined; kept flat to match a single TEXT column
	RawPayload    []byte  `db:"raw_payload"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// OfferHistory is an append-only mirror of every offer that ever existed,
// written by C5 in the same transaction that rewrites the current set.
type OfferHistory struct {
	ID                 int64     `db:"id"`
	OfferID             uuid.UUID `db:"offer_id"`
	AccountID           uuid.UUID `db:"account_id"`
	OfferPropositionID  int64     `db:"offer_proposition_id"`
	CreatedAt           time.Time `db:"created_at"`
}

// AuditAction is the closed tag set for OfferAudit rows.
type AuditAction string

const (
	AuditActionAdd    AuditAction = "Add"
	AuditActionRemove AuditAction = "Remove"
)

// OfferAudit is one row per redemption-state transition (spec.md §3).
type OfferAudit struct {
	ID            int64       `db:"id"`
	Action        AuditAction `db:"action"`
	PropositionID int64       `db:"proposition_id"`
	TransactionID uuid.UUID   `db:"transaction_id"`
	UserID        *uuid.UUID  `db:"user_id"`
	LikelyUsed    *bool       `db:"likely_used"`
	CreatedAt     time.Time   `db:"created_at"`
}

// AccountLock is the row whose mere presence represents a lease. Deleted by
// the lessee on normal termination of the protected operation.
type AccountLock struct {
	AccountID uuid.UUID `db:"account_id"`
	UnlockAt  time.Time `db:"unlock_at"`
}

// ConcurrentActiveDeals is the clamped-at-zero per-user counter the edge
// uses for admission control.
type ConcurrentActiveDeals struct {
	UserID uuid.UUID `db:"user_id"`
	Count  int       `db:"count"`
}

// EventStatus is the closed status set an Event row moves through.
type EventStatus string

const (
	EventStatusPending   EventStatus = "Pending"
	EventStatusRunning   EventStatus = "Running"
	EventStatusCompleted EventStatus = "Completed"
	EventStatusFailed    EventStatus = "Failed"
	EventStatusCancelled EventStatus = "Cancelled"
	EventStatusDuplicate EventStatus = "Duplicate"
)

// Event is the persistent row backing every enqueued event (spec.md §3).
type Event struct {
	ID      int64     `db:"id"`
	EventID uuid.UUID `db:"event_id"`
	Name    string    `db:"name"`
	Data    []byte    `db:"data"`
	Hash    string    `db:"hash"`

	Status      EventStatus `db:"status"`
	IsCompleted bool        `db:"is_completed"`

	Error        bool    `db:"error"`
	ErrorMessage *string `db:"error_message"`
	Attempts     int     `db:"attempts"`

	ShouldBeCompletedAt time.Time  `db:"should_be_completed_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	TraceID              *string    `db:"trace_id"`

	CreatedAt time.Time `db:"created_at"`
}

// Job is the static, singleton-per-name row the scheduler upserts at
// startup.
type Job struct {
	Name          string     `db:"name"`
	LastExecution *time.Time `db:"last_execution"`
}

// JobHistory is an append-only record of one job execution.
type JobHistory struct {
	ExecutionID  uuid.UUID  `db:"execution_id"`
	JobName      string     `db:"job_name"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Error        bool       `db:"error"`
	ErrorMessage *string    `db:"error_message"`
}
