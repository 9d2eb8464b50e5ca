package domain

import (
	"time"

	"github.com/google/uuid"
)

// EarningsEntry is one ledger line of money owed to a payee for one completed
// booking. Exactly one entry exists per booking (unique booking_id); it is
// created inside the booking-completion transaction and mutated only by the
// payment reconciler when a disbursement resolves.
type EarningsEntry struct {
	ID                 uuid.UUID   `json:"id"`
	BookingID          uuid.UUID   `json:"booking_id"`
	PayeeID            uuid.UUID   `json:"payee_id"`
	ServiceType        ServiceType `json:"service_type"`
	GrossAmount        int64       `json:"gross_amount"`        // in senti
	PlatformCommission int64       `json:"platform_commission"` // in senti
	NetEarnings        int64       `json:"net_earnings"`        // in senti
	PaidOut            bool        `json:"paid_out"`
	DisbursementID     *uuid.UUID  `json:"disbursement_id,omitempty"`
	PaidOutAt          *time.Time  `json:"paid_out_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}
