/**
 * @description
 * This file defines the pricing catalog types for the settlement-service: the closed
 * set of billable service types, the pricing rule attached to each one, and the
 * derivation of a service type from a booking's shape and the payee's tier.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (senti) to avoid
 *   floating-point inaccuracies with financial data.
 * - Commission percentages are whole integers; a rule is only valid when the
 *   platform and payee shares sum to exactly 100.
 */

package domain

import (
	"fmt"
	"time"
)

// ServiceType identifies one billable service in the pricing catalog.
type ServiceType string

const (
	ServiceMobileAdvocate    ServiceType = "mobile_advocate"
	ServiceMobileLawyer      ServiceType = "mobile_lawyer"
	ServiceMobileParalegal   ServiceType = "mobile_paralegal"
	ServicePhysicalAdvocate  ServiceType = "physical_advocate"
	ServicePhysicalLawyer    ServiceType = "physical_lawyer"
	ServicePhysicalParalegal ServiceType = "physical_paralegal"
	ServiceMaterialStudent   ServiceType = "material_student"
	ServiceMaterialLecturer  ServiceType = "material_lecturer"
	ServiceMaterialAdmin     ServiceType = "material_admin"
	ServiceDocumentStandard  ServiceType = "document_standard"
	ServiceDocumentAdvanced  ServiceType = "document_advanced"
)

// AllServiceTypes lists every catalog entry. The order matches the seed data.
var AllServiceTypes = []ServiceType{
	ServiceMobileAdvocate,
	ServiceMobileLawyer,
	ServiceMobileParalegal,
	ServicePhysicalAdvocate,
	ServicePhysicalLawyer,
	ServicePhysicalParalegal,
	ServiceMaterialStudent,
	ServiceMaterialLecturer,
	ServiceMaterialAdmin,
	ServiceDocumentStandard,
	ServiceDocumentAdvanced,
}

// Valid reports whether s is a known catalog service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceMobileAdvocate, ServiceMobileLawyer, ServiceMobileParalegal,
		ServicePhysicalAdvocate, ServicePhysicalLawyer, ServicePhysicalParalegal,
		ServiceMaterialStudent, ServiceMaterialLecturer, ServiceMaterialAdmin,
		ServiceDocumentStandard, ServiceDocumentAdvanced:
		return true
	}
	return false
}

// BookingType distinguishes in-app call consultations from in-person ones.
type BookingType string

const (
	BookingMobile   BookingType = "mobile"
	BookingPhysical BookingType = "physical"
)

// PayeeTier is the consultant qualification supplied by the identity provider.
type PayeeTier string

const (
	TierAdvocate  PayeeTier = "advocate"
	TierLawyer    PayeeTier = "lawyer"
	TierParalegal PayeeTier = "paralegal"
)

// DeriveServiceType maps a booking type and payee tier onto a catalog entry.
// Unknown combinations are a validation error, never persisted.
func DeriveServiceType(bookingType BookingType, tier PayeeTier) (ServiceType, error) {
	switch bookingType {
	case BookingMobile:
		switch tier {
		case TierAdvocate:
			return ServiceMobileAdvocate, nil
		case TierLawyer:
			return ServiceMobileLawyer, nil
		case TierParalegal:
			return ServiceMobileParalegal, nil
		}
	case BookingPhysical:
		switch tier {
		case TierAdvocate:
			return ServicePhysicalAdvocate, nil
		case TierLawyer:
			return ServicePhysicalLawyer, nil
		case TierParalegal:
			return ServicePhysicalParalegal, nil
		}
	}
	return "", fmt.Errorf("%w: booking type %q with payee tier %q", ErrUnknownServiceType, bookingType, tier)
}

// PricingRule is one catalog entry: the price charged for a service and how the
// gross amount is split between the platform and the payee. Rules are immutable
// once a completed booking references them; bookings carry their own snapshot.
type PricingRule struct {
	ServiceType          ServiceType `json:"service_type"`
	Price                int64       `json:"price"` // in senti
	PlatformSharePercent int64       `json:"platform_share_percent"`
	PayeeSharePercent    int64       `json:"payee_share_percent"`
	Description          string      `json:"description,omitempty"`
	Active               bool        `json:"active"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Validate enforces the write-time invariants the rest of the engine relies on
// without re-checking: a known service type, a positive price, and shares that
// sum to exactly 100.
func (r PricingRule) Validate() error {
	if !r.ServiceType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownServiceType, r.ServiceType)
	}
	if r.Price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %d", ErrInvalidPricingRule, r.Price)
	}
	if r.PlatformSharePercent < 0 || r.PayeeSharePercent < 0 {
		return fmt.Errorf("%w: negative share percent", ErrInvalidPricingRule)
	}
	if r.PlatformSharePercent+r.PayeeSharePercent != 100 {
		return fmt.Errorf("%w: shares sum to %d, want 100", ErrInvalidPricingRule,
			r.PlatformSharePercent+r.PayeeSharePercent)
	}
	return nil
}
