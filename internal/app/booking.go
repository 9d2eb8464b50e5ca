/**
 * @description
 * Booking lifecycle orchestration: create with a pricing snapshot and, for
 * mobile bookings, an upfront minute reservation; confirm; cancel with refund;
 * and complete with the commission split and earnings accrual.
 *
 * Completion is the settlement moment. The booking flip and the earnings entry
 * commit in one repository transaction, so a crash can never leave a completed
 * booking without its earnings. Minute reconciliation around that transaction
 * is sequenced: overruns are consumed before completing (so a wallet shortfall
 * aborts cleanly), surplus is refunded after.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
	"github.com/pola/settlement-service/pkg/rabbitmq"
)

// CreateBooking opens a booking in pending state, snapshotting the pricing rule
// in force. Mobile bookings reserve the estimated minutes from the client's
// wallet immediately. Physical bookings take no reservation; the consultation
// fee is collected through the gateway, and the booking confirms when that
// payment's success callback lands.
func (s *Service) CreateBooking(ctx context.Context, clientID uuid.UUID, req domain.CreateBookingRequest) (*domain.Booking, error) {
	serviceType, err := domain.DeriveServiceType(req.BookingType, req.PayeeTier)
	if err != nil {
		return nil, err
	}

	rule, err := s.repo.GetPricingRule(ctx, serviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing rule for %s: %w", serviceType, err)
	}
	if !rule.Active {
		return nil, fmt.Errorf("%w: %s", ErrPricingRuleInactive, serviceType)
	}

	now := time.Now().UTC()
	booking := &domain.Booking{
		ID:                       uuid.New(),
		ClientID:                 clientID,
		PayeeID:                  req.PayeeID,
		Type:                     req.BookingType,
		Status:                   domain.BookingPending,
		ScheduledAt:              req.ScheduledAt,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		ServiceType:              serviceType,
		SnapshotPrice:            rule.Price,
		PlatformSharePercent:     rule.PlatformSharePercent,
	}

	// Mobile consultations are paid in wallet minutes reserved upfront.
	if req.BookingType == domain.BookingMobile {
		consumption, err := s.repo.ConsumeCredits(ctx, clientID, req.EstimatedDurationMinutes, now)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientCredit) {
				log.Printf("CreateBooking: client=%s has insufficient minutes for %d requested", clientID, req.EstimatedDurationMinutes)
			}
			return nil, fmt.Errorf("failed to reserve minutes: %w", err)
		}
		booking.Reservation = consumption.Allocations
	}

	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		if len(booking.Reservation) > 0 {
			if refundErr := s.repo.RefundCredits(ctx, booking.Reservation, time.Now().UTC()); refundErr != nil {
				log.Printf("CRITICAL: CreateBooking: failed to refund reservation for client %s after booking creation failure: %v", clientID, refundErr)
			}
		}
		return nil, fmt.Errorf("failed to create booking record: %w", err)
	}

	// Physical consultations are paid in money: record the pending fee
	// transaction and ask the gateway to collect. The booking stays pending
	// until the payment callback settles it.
	if req.BookingType == domain.BookingPhysical {
		if err := s.collectConsultationFee(ctx, clientID, booking, req); err != nil {
			if _, cancelErr := s.repo.CancelBooking(ctx, booking.ID); cancelErr != nil {
				log.Printf("CRITICAL: CreateBooking: failed to cancel booking %s after fee collection failure: %v", booking.ID, cancelErr)
			}
			return nil, err
		}
	}

	log.Printf("CreateBooking: created booking=%s client=%s payee=%s service=%s price=%s",
		booking.ID, clientID, req.PayeeID, serviceType, domain.FormatAmount(rule.Price))
	return booking, nil
}

// collectConsultationFee records the pending consultation-fee transaction for a
// physical booking and initiates the gateway checkout. Compensation mirrors
// PurchaseCredits: a gateway rejection fails the transaction it just created.
func (s *Service) collectConsultationFee(ctx context.Context, clientID uuid.UUID, booking *domain.Booking, req domain.CreateBookingRequest) error {
	reference := domain.NewPaymentReference(domain.KindConsultation, time.Now().UTC())
	txn := &domain.InboundTransaction{
		ID:               uuid.New(),
		UserID:           clientID,
		Kind:             domain.KindConsultation,
		Amount:           booking.SnapshotPrice,
		Status:           domain.TransactionPending,
		GatewayReference: reference,
		RelatedEntityID:  &booking.ID,
	}
	if err := s.repo.CreateInboundTransaction(ctx, txn); err != nil {
		return fmt.Errorf("failed to create consultation fee transaction: %w", err)
	}

	resp, err := s.gateway.MobileCheckout(ctx, req.PhoneNumber, req.Provider, reference, booking.SnapshotPrice)
	if err != nil {
		reason := err.Error()
		if _, resolveErr := s.repo.ResolveInboundTransaction(ctx, txn.ID, nil, domain.TransactionFailed, &reason); resolveErr != nil {
			log.Printf("CRITICAL: CreateBooking: failed to fail fee transaction %s after checkout rejection: %v", txn.ID, resolveErr)
		}
		return fmt.Errorf("%w: %v", ErrGatewayCheckout, err)
	}

	log.Printf("CreateBooking: fee checkout accepted booking=%s reference=%s gateway_txn=%s", booking.ID, reference, resp.TransactionID)
	return nil
}

// ConfirmBooking transitions a pending booking to confirmed.
func (s *Service) ConfirmBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	if err := s.repo.ConfirmBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.repo.FindBookingByID(ctx, bookingID)
}

// CancelBooking cancels a pending or confirmed booking and refunds any minute
// reservation. Minutes whose grant expired while reserved are forfeited by the
// refund's own expiry guard.
func (s *Service) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := s.repo.CancelBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if len(booking.Reservation) > 0 {
		if err := s.repo.RefundCredits(ctx, booking.Reservation, time.Now().UTC()); err != nil {
			log.Printf("CRITICAL: CancelBooking: failed to refund reservation for booking %s: %v", bookingID, err)
			// The cancellation stands; the refund failure needs operator attention.
		} else {
			log.Printf("CancelBooking: refunded reservation booking=%s allocations=%d", bookingID, len(booking.Reservation))
		}
	}

	return booking, nil
}

// GetBooking returns one booking with its reservation.
func (s *Service) GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.repo.FindBookingByID(ctx, bookingID)
}

// CompleteBooking settles a confirmed booking: it reconciles the minute
// reservation against the actual duration, splits the snapshot price between
// platform and payee, and records the earnings entry atomically with the
// status flip. Completing an already-completed booking replays the stored
// result without new side effects.
func (s *Service) CompleteBooking(ctx context.Context, bookingID uuid.UUID, actualMinutes int) (*domain.CompletionResult, error) {
	if actualMinutes <= 0 {
		return nil, domain.ErrInvalidMinutes
	}

	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status == domain.BookingCancelled {
		return nil, store.ErrInvalidBookingState
	}

	// Replay path: the stored settlement is authoritative, including its
	// recorded actual duration. No wallet adjustment happens twice.
	if booking.Status == domain.BookingCompleted {
		return s.repo.CompleteBookingWithEarnings(ctx, bookingID, booking.ActualDurationMinutes,
			booking.GrossAmount, booking.PlatformCommission, booking.PayeeEarnings)
	}

	now := time.Now().UTC()

	// Consume any overrun before settling, so a wallet shortfall aborts the
	// completion while the booking is still confirmed.
	reserved := 0
	for _, a := range booking.Reservation {
		reserved += a.Minutes
	}
	var overrun *domain.ConsumptionResult
	if booking.Type == domain.BookingMobile && actualMinutes > reserved {
		extra := actualMinutes - reserved
		overrun, err = s.repo.ConsumeCredits(ctx, booking.ClientID, extra, now)
		if err != nil {
			return nil, fmt.Errorf("failed to consume %d overrun minutes: %w", extra, err)
		}
		log.Printf("CompleteBooking: booking=%s consumed overrun minutes=%d", bookingID, extra)
	}

	gross := booking.SnapshotPrice
	platform, payee, err := domain.ComputeSplit(gross, booking.PlatformSharePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot split on booking %s: %w", bookingID, err)
	}

	result, err := s.repo.CompleteBookingWithEarnings(ctx, bookingID, actualMinutes, gross, platform, payee)
	if err != nil {
		if overrun != nil {
			if refundErr := s.repo.RefundCredits(ctx, overrun.Allocations, time.Now().UTC()); refundErr != nil {
				log.Printf("CRITICAL: CompleteBooking: failed to refund overrun minutes for booking %s after completion failure: %v", bookingID, refundErr)
			}
		}
		return nil, fmt.Errorf("failed to complete booking: %w", err)
	}

	// A concurrent completion may have won the lock; its settlement stands and
	// our overrun consume must be unwound.
	if result.Replayed {
		if overrun != nil {
			if refundErr := s.repo.RefundCredits(ctx, overrun.Allocations, time.Now().UTC()); refundErr != nil {
				log.Printf("CRITICAL: CompleteBooking: failed to refund overrun minutes for booking %s after losing completion race: %v", bookingID, refundErr)
			}
		}
		return result, nil
	}

	// Refund unused reserved minutes after the settlement commits. A failure
	// here forfeits client minutes and needs operator attention, but never
	// unsettles the booking.
	if booking.Type == domain.BookingMobile && actualMinutes < reserved {
		surplus := trimReservation(booking.Reservation, reserved-actualMinutes)
		if err := s.repo.RefundCredits(ctx, surplus, time.Now().UTC()); err != nil {
			log.Printf("CRITICAL: CompleteBooking: failed to refund %d surplus minutes for booking %s: %v", reserved-actualMinutes, bookingID, err)
		} else {
			log.Printf("CompleteBooking: booking=%s refunded surplus minutes=%d", bookingID, reserved-actualMinutes)
		}
	}

	if s.eventProducer != nil {
		event := rabbitmq.BookingCompletedEvent{
			BookingID:     result.Booking.ID,
			PayeeID:       result.Booking.PayeeID,
			ClientID:      result.Booking.ClientID,
			GrossAmount:   result.Booking.GrossAmount,
			PayeeEarnings: result.Booking.PayeeEarnings,
			Timestamp:     now,
		}
		if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingKeyBookingCompleted, event); err != nil {
			log.Printf("WARN: CompleteBooking: failed to publish completion event for booking %s: %v", bookingID, err)
		}
	}

	log.Printf("CompleteBooking: settled booking=%s gross=%s platform=%s payee=%s minutes=%d",
		bookingID, domain.FormatAmount(gross), domain.FormatAmount(platform), domain.FormatAmount(payee), actualMinutes)
	return result, nil
}

// trimReservation picks the allocations to refund for a surplus of minutes,
// walking the reservation from its last grant backwards. The allocation order
// is earliest-expiry-first, so refunds land on the longest-lived grants.
func trimReservation(reservation []domain.GrantAllocation, surplus int) []domain.GrantAllocation {
	var refunds []domain.GrantAllocation
	for i := len(reservation) - 1; i >= 0 && surplus > 0; i-- {
		take := reservation[i].Minutes
		if take > surplus {
			take = surplus
		}
		refunds = append(refunds, domain.GrantAllocation{GrantID: reservation[i].GrantID, Minutes: take})
		surplus -= take
	}
	return refunds
}
