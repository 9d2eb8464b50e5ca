package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a consultation booking.
// completed and cancelled are terminal.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// Booking is one consultation between a client and a payee (consultant).
// The pricing rule in force at creation is snapshotted onto the record, so a
// later catalog change can never retroactively alter the booking's settlement.
type Booking struct {
	ID       uuid.UUID     `json:"id"`
	ClientID uuid.UUID     `json:"client_id"`
	PayeeID  uuid.UUID     `json:"payee_id"`
	Type     BookingType   `json:"booking_type"`
	Status   BookingStatus `json:"status"`

	ScheduledAt              time.Time `json:"scheduled_at"`
	EstimatedDurationMinutes int       `json:"estimated_duration_minutes"`
	ActualDurationMinutes    int       `json:"actual_duration_minutes"`

	// Pricing snapshot captured at creation.
	ServiceType          ServiceType `json:"service_type"`
	SnapshotPrice        int64       `json:"snapshot_price"` // in senti
	PlatformSharePercent int64       `json:"platform_share_percent"`

	// Settlement outcome, set at completion. GrossAmount is always exactly
	// PlatformCommission + PayeeEarnings.
	GrossAmount        int64 `json:"gross_amount"`
	PlatformCommission int64 `json:"platform_commission"`
	PayeeEarnings      int64 `json:"payee_earnings"`

	// Wallet reservation taken at creation time for mobile bookings.
	Reservation []GrantAllocation `json:"reservation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompletionResult is what Complete returns: the terminal booking plus the one
// earnings entry created in the same atomic unit. A repeated Complete on an
// already-completed booking returns the stored pair unchanged.
type CompletionResult struct {
	Booking *Booking       `json:"booking"`
	Entry   *EarningsEntry `json:"earnings_entry"`
	// Replayed is true when the booking was already completed and the stored
	// result was returned without any new side effect.
	Replayed bool `json:"-"`
}
