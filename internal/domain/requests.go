/**
 * @description
 * Request and response DTOs for the settlement-service API. Keeping distinct
 * types for API payloads and persisted models keeps the web layer honest about
 * what callers may set. Payloads carry validator tags checked by the handlers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseCreditsRequest buys one credit bundle. The grant stays pending until
// the gateway callback settles the inbound transaction.
type PurchaseCreditsRequest struct {
	BundleName  string `json:"bundle_name" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required,min=9,max=15"`
	Provider    string `json:"provider" validate:"required"`
}

// PurchaseCreditsResult reports the pending grant and transaction created for
// a credit purchase, plus the reference the gateway will echo back.
type PurchaseCreditsResult struct {
	Grant            *CreditGrant        `json:"grant"`
	Transaction      *InboundTransaction `json:"transaction"`
	GatewayReference string              `json:"gateway_reference"`
}

// GrantCreditsRequest issues minutes directly to a wallet, already settled.
// Internal-only; normal purchases go through the gateway.
type GrantCreditsRequest struct {
	OwnerID      uuid.UUID `json:"owner_id" validate:"required"`
	Minutes      int       `json:"minutes" validate:"required,gt=0"`
	ValidityDays int       `json:"validity_days" validate:"required,gt=0"`
	Reason       string    `json:"reason,omitempty" validate:"max=120"`
}

// CreateBookingRequest opens a consultation booking. Physical bookings are
// paid by a gateway collection, so they carry the payer's mobile money details;
// mobile bookings are paid in wallet minutes and need neither.
type CreateBookingRequest struct {
	PayeeID                  uuid.UUID   `json:"payee_id" validate:"required"`
	PayeeTier                PayeeTier   `json:"payee_tier" validate:"required,oneof=advocate lawyer paralegal"`
	BookingType              BookingType `json:"booking_type" validate:"required,oneof=mobile physical"`
	ScheduledAt              time.Time   `json:"scheduled_at" validate:"required"`
	EstimatedDurationMinutes int         `json:"estimated_duration_minutes" validate:"required,gt=0"`
	PhoneNumber              string      `json:"phone_number,omitempty" validate:"required_if=BookingType physical,omitempty,min=9,max=15"`
	Provider                 string      `json:"provider,omitempty" validate:"required_if=BookingType physical"`
}

// CompleteBookingRequest closes out a confirmed booking with the minutes the
// consultation actually ran.
type CompleteBookingRequest struct {
	ActualDurationMinutes int `json:"actual_duration_minutes" validate:"required,gt=0"`
}

// CreateDisbursementRequest is the admin payload selecting unpaid earnings
// entries for payout.
type CreateDisbursementRequest struct {
	PayeeID            uuid.UUID     `json:"payee_id" validate:"required"`
	EntryIDs           []uuid.UUID   `json:"entry_ids" validate:"required,min=1"`
	DestinationAccount string        `json:"destination_account" validate:"required"`
	Channel            PayoutChannel `json:"channel" validate:"required"`
}

// WalletBalance is the balance view exposed for UI display.
type WalletBalance struct {
	OwnerID          uuid.UUID     `json:"owner_id"`
	AvailableMinutes int           `json:"available_minutes"`
	Grants           []CreditGrant `json:"grants"`
	AsOf             time.Time     `json:"as_of"`
}
