package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
)

type bookingRepoStub struct {
	store.Repository

	booking *domain.Booking
	rule    *domain.PricingRule

	consumeCalls      []int
	consumeErr        error
	refunds           [][]domain.GrantAllocation
	createCalled      bool
	createErr         error
	completeCalled    bool
	completeErr       error
	completeGross     int64
	completePlat      int64
	completePayee     int64
	replayed          bool
	createdTxn        *domain.InboundTransaction
	createTxnErr      error
	resolvedTxnStatus domain.TransactionStatus
	cancelCalled      bool
}

func (s *bookingRepoStub) GetPricingRule(ctx context.Context, serviceType domain.ServiceType) (*domain.PricingRule, error) {
	if s.rule == nil {
		return nil, store.ErrPricingRuleNotFound
	}
	return s.rule, nil
}

func (s *bookingRepoStub) ConsumeCredits(ctx context.Context, ownerID uuid.UUID, minutesNeeded int, asOf time.Time) (*domain.ConsumptionResult, error) {
	s.consumeCalls = append(s.consumeCalls, minutesNeeded)
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	return &domain.ConsumptionResult{
		OwnerID:      ownerID,
		TotalMinutes: minutesNeeded,
		Allocations:  []domain.GrantAllocation{{GrantID: uuid.New(), Minutes: minutesNeeded}},
	}, nil
}

func (s *bookingRepoStub) RefundCredits(ctx context.Context, allocations []domain.GrantAllocation, asOf time.Time) error {
	s.refunds = append(s.refunds, allocations)
	return nil
}

func (s *bookingRepoStub) CreateBooking(ctx context.Context, booking *domain.Booking) error {
	s.createCalled = true
	return s.createErr
}

func (s *bookingRepoStub) CreateInboundTransaction(ctx context.Context, txn *domain.InboundTransaction) error {
	if s.createTxnErr != nil {
		return s.createTxnErr
	}
	s.createdTxn = txn
	return nil
}

func (s *bookingRepoStub) ResolveInboundTransaction(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, status domain.TransactionStatus, reason *string) (bool, error) {
	s.resolvedTxnStatus = status
	return true, nil
}

func (s *bookingRepoStub) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	s.cancelCalled = true
	if s.booking == nil {
		return &domain.Booking{ID: bookingID, Status: domain.BookingCancelled}, nil
	}
	cancelled := *s.booking
	cancelled.Status = domain.BookingCancelled
	return &cancelled, nil
}

func (s *bookingRepoStub) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	if s.booking == nil {
		return nil, store.ErrBookingNotFound
	}
	return s.booking, nil
}

func (s *bookingRepoStub) CompleteBookingWithEarnings(ctx context.Context, bookingID uuid.UUID, actualMinutes int, gross, platformCommission, payeeEarnings int64) (*domain.CompletionResult, error) {
	s.completeCalled = true
	s.completeGross = gross
	s.completePlat = platformCommission
	s.completePayee = payeeEarnings
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	completed := *s.booking
	completed.Status = domain.BookingCompleted
	completed.ActualDurationMinutes = actualMinutes
	completed.GrossAmount = gross
	completed.PlatformCommission = platformCommission
	completed.PayeeEarnings = payeeEarnings
	return &domain.CompletionResult{
		Booking: &completed,
		Entry: &domain.EarningsEntry{
			ID:          uuid.New(),
			BookingID:   bookingID,
			PayeeID:     completed.PayeeID,
			NetEarnings: payeeEarnings,
		},
		Replayed: s.replayed,
	}, nil
}

type publisherStub struct {
	published []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func confirmedBooking(bookingType domain.BookingType, reservedMinutes int) *domain.Booking {
	b := &domain.Booking{
		ID:                       uuid.New(),
		ClientID:                 uuid.New(),
		PayeeID:                  uuid.New(),
		Type:                     bookingType,
		Status:                   domain.BookingConfirmed,
		EstimatedDurationMinutes: reservedMinutes,
		ServiceType:              domain.ServicePhysicalAdvocate,
		SnapshotPrice:            6000000,
		PlatformSharePercent:     60,
	}
	if bookingType == domain.BookingMobile {
		b.ServiceType = domain.ServiceMobileAdvocate
		b.SnapshotPrice = 1000000
		b.PlatformSharePercent = 50
		b.Reservation = []domain.GrantAllocation{{GrantID: uuid.New(), Minutes: reservedMinutes}}
	}
	return b
}

func TestCompleteBookingSplitsSnapshotPrice(t *testing.T) {
	repo := &bookingRepoStub{booking: confirmedBooking(domain.BookingPhysical, 60)}
	publisher := &publisherStub{}
	svc := NewService(repo, nil, publisher)

	result, err := svc.CompleteBooking(context.Background(), repo.booking.ID, 75)
	if err != nil {
		t.Fatalf("expected completion to succeed, got %v", err)
	}
	if repo.completeGross != 6000000 {
		t.Fatalf("expected gross from snapshot price, got %d", repo.completeGross)
	}
	if repo.completePlat != 3600000 || repo.completePayee != 2400000 {
		t.Fatalf("expected 60/40 split, got platform=%d payee=%d", repo.completePlat, repo.completePayee)
	}
	if repo.completePlat+repo.completePayee != repo.completeGross {
		t.Fatalf("split does not reconstruct gross: %d + %d != %d", repo.completePlat, repo.completePayee, repo.completeGross)
	}
	if result.Booking.Status != domain.BookingCompleted {
		t.Fatalf("expected completed status, got %s", result.Booking.Status)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.published))
	}
	if len(repo.consumeCalls) != 0 {
		t.Fatal("physical bookings must not touch the credit wallet")
	}
}

func TestCompleteBookingReplayIsIdempotent(t *testing.T) {
	booking := confirmedBooking(domain.BookingMobile, 10)
	booking.Status = domain.BookingCompleted
	booking.ActualDurationMinutes = 12
	booking.GrossAmount = 1000000
	booking.PlatformCommission = 500000
	booking.PayeeEarnings = 500000
	repo := &bookingRepoStub{booking: booking, replayed: true}
	publisher := &publisherStub{}
	svc := NewService(repo, nil, publisher)

	result, err := svc.CompleteBooking(context.Background(), booking.ID, 12)
	if err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}
	if !result.Replayed {
		t.Fatal("expected replayed result")
	}
	if len(repo.consumeCalls) != 0 || len(repo.refunds) != 0 {
		t.Fatal("replay must not adjust the wallet")
	}
	if len(publisher.published) != 0 {
		t.Fatal("replay must not publish a second event")
	}
}

func TestCompleteBookingConsumesOverrunMinutes(t *testing.T) {
	repo := &bookingRepoStub{booking: confirmedBooking(domain.BookingMobile, 5)}
	svc := NewService(repo, nil, &publisherStub{})

	if _, err := svc.CompleteBooking(context.Background(), repo.booking.ID, 8); err != nil {
		t.Fatalf("expected completion to succeed, got %v", err)
	}
	if len(repo.consumeCalls) != 1 || repo.consumeCalls[0] != 3 {
		t.Fatalf("expected one consume of 3 overrun minutes, got %v", repo.consumeCalls)
	}
	if len(repo.refunds) != 0 {
		t.Fatal("no surplus refund expected on an overrun")
	}
}

func TestCompleteBookingRefundsSurplusMinutes(t *testing.T) {
	repo := &bookingRepoStub{booking: confirmedBooking(domain.BookingMobile, 10)}
	svc := NewService(repo, nil, &publisherStub{})

	if _, err := svc.CompleteBooking(context.Background(), repo.booking.ID, 6); err != nil {
		t.Fatalf("expected completion to succeed, got %v", err)
	}
	if len(repo.consumeCalls) != 0 {
		t.Fatal("no overrun consume expected on a surplus")
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected one surplus refund, got %d", len(repo.refunds))
	}
	refunded := 0
	for _, a := range repo.refunds[0] {
		refunded += a.Minutes
	}
	if refunded != 4 {
		t.Fatalf("expected 4 surplus minutes refunded, got %d", refunded)
	}
}

func TestCompleteBookingAbortsWhenOverrunCannotBeCovered(t *testing.T) {
	repo := &bookingRepoStub{
		booking:    confirmedBooking(domain.BookingMobile, 5),
		consumeErr: domain.ErrInsufficientCredit,
	}
	svc := NewService(repo, nil, &publisherStub{})

	_, err := svc.CompleteBooking(context.Background(), repo.booking.ID, 9)
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("expected insufficient credit error, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("completion must not run when the overrun cannot be covered")
	}
}

func TestCompleteBookingRejectsCancelled(t *testing.T) {
	booking := confirmedBooking(domain.BookingPhysical, 30)
	booking.Status = domain.BookingCancelled
	repo := &bookingRepoStub{booking: booking}
	svc := NewService(repo, nil, &publisherStub{})

	if _, err := svc.CompleteBooking(context.Background(), booking.ID, 30); !errors.Is(err, store.ErrInvalidBookingState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestCompleteBookingUnwindsOverrunWhenLosingRace(t *testing.T) {
	repo := &bookingRepoStub{booking: confirmedBooking(domain.BookingMobile, 5), replayed: true}
	publisher := &publisherStub{}
	svc := NewService(repo, nil, publisher)

	result, err := svc.CompleteBooking(context.Background(), repo.booking.ID, 8)
	if err != nil {
		t.Fatalf("expected completion to succeed, got %v", err)
	}
	if !result.Replayed {
		t.Fatal("expected replayed result from losing the race")
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected the overrun consume to be refunded, got %d refunds", len(repo.refunds))
	}
	if len(publisher.published) != 0 {
		t.Fatal("race loser must not publish an event")
	}
}

func TestCreateBookingReservesMinutesForMobile(t *testing.T) {
	repo := &bookingRepoStub{
		rule: &domain.PricingRule{
			ServiceType:          domain.ServiceMobileLawyer,
			Price:                800000,
			PlatformSharePercent: 50,
			PayeeSharePercent:    50,
			Active:               true,
		},
	}
	svc := NewService(repo, nil, &publisherStub{})

	booking, err := svc.CreateBooking(context.Background(), uuid.New(), domain.CreateBookingRequest{
		PayeeID:                  uuid.New(),
		PayeeTier:                domain.TierLawyer,
		BookingType:              domain.BookingMobile,
		ScheduledAt:              time.Now().Add(time.Hour),
		EstimatedDurationMinutes: 15,
	})
	if err != nil {
		t.Fatalf("expected booking creation to succeed, got %v", err)
	}
	if len(repo.consumeCalls) != 1 || repo.consumeCalls[0] != 15 {
		t.Fatalf("expected 15 minutes reserved, got %v", repo.consumeCalls)
	}
	if booking.SnapshotPrice != 800000 || booking.PlatformSharePercent != 50 {
		t.Fatalf("expected pricing snapshot on booking, got price=%d share=%d", booking.SnapshotPrice, booking.PlatformSharePercent)
	}
	if len(booking.Reservation) == 0 {
		t.Fatal("expected reservation recorded on booking")
	}
}

func TestCreateBookingFailsClosedOnInsufficientCredit(t *testing.T) {
	repo := &bookingRepoStub{
		rule: &domain.PricingRule{
			ServiceType:          domain.ServiceMobileAdvocate,
			Price:                1000000,
			PlatformSharePercent: 50,
			PayeeSharePercent:    50,
			Active:               true,
		},
		consumeErr: domain.ErrInsufficientCredit,
	}
	svc := NewService(repo, nil, &publisherStub{})

	_, err := svc.CreateBooking(context.Background(), uuid.New(), domain.CreateBookingRequest{
		PayeeID:                  uuid.New(),
		PayeeTier:                domain.TierAdvocate,
		BookingType:              domain.BookingMobile,
		ScheduledAt:              time.Now().Add(time.Hour),
		EstimatedDurationMinutes: 30,
	})
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("expected insufficient credit error, got %v", err)
	}
	if repo.createCalled {
		t.Fatal("booking must not be created without a reservation")
	}
}

func TestCreateBookingRefundsReservationWhenInsertFails(t *testing.T) {
	repo := &bookingRepoStub{
		rule: &domain.PricingRule{
			ServiceType:          domain.ServiceMobileAdvocate,
			Price:                1000000,
			PlatformSharePercent: 50,
			PayeeSharePercent:    50,
			Active:               true,
		},
		createErr: errors.New("insert failed"),
	}
	svc := NewService(repo, nil, &publisherStub{})

	_, err := svc.CreateBooking(context.Background(), uuid.New(), domain.CreateBookingRequest{
		PayeeID:                  uuid.New(),
		PayeeTier:                domain.TierAdvocate,
		BookingType:              domain.BookingMobile,
		ScheduledAt:              time.Now().Add(time.Hour),
		EstimatedDurationMinutes: 10,
	})
	if err == nil {
		t.Fatal("expected creation to fail")
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected reservation refunded after insert failure, got %d refunds", len(repo.refunds))
	}
}

func TestCreateBookingCollectsFeeForPhysical(t *testing.T) {
	repo := &bookingRepoStub{
		rule: &domain.PricingRule{
			ServiceType:          domain.ServicePhysicalAdvocate,
			Price:                6000000,
			PlatformSharePercent: 60,
			PayeeSharePercent:    40,
			Active:               true,
		},
	}
	gw := &gatewayStub{checkoutTxn: "gw-fee-1"}
	svc := NewService(repo, gw, &publisherStub{})

	booking, err := svc.CreateBooking(context.Background(), uuid.New(), domain.CreateBookingRequest{
		PayeeID:                  uuid.New(),
		PayeeTier:                domain.TierAdvocate,
		BookingType:              domain.BookingPhysical,
		ScheduledAt:              time.Now().Add(time.Hour),
		EstimatedDurationMinutes: 60,
		PhoneNumber:              "255712345678",
		Provider:                 "Mpesa",
	})
	if err != nil {
		t.Fatalf("expected booking creation to succeed, got %v", err)
	}
	if booking.Status != domain.BookingPending {
		t.Fatalf("expected pending until the fee settles, got %s", booking.Status)
	}
	if repo.createdTxn == nil {
		t.Fatal("expected a pending consultation fee transaction")
	}
	if repo.createdTxn.Kind != domain.KindConsultation {
		t.Fatalf("expected consultation kind, got %s", repo.createdTxn.Kind)
	}
	if repo.createdTxn.Amount != 6000000 {
		t.Fatalf("expected fee at the snapshot price, got %d", repo.createdTxn.Amount)
	}
	if repo.createdTxn.RelatedEntityID == nil || *repo.createdTxn.RelatedEntityID != booking.ID {
		t.Fatal("expected fee transaction linked to the booking")
	}
	if gw.checkoutArgs == nil {
		t.Fatal("expected the fee checkout to reach the gateway")
	}
	if len(repo.consumeCalls) != 0 {
		t.Fatal("physical bookings must not touch the credit wallet")
	}
}

func TestCreateBookingCancelsPhysicalOnCheckoutRejection(t *testing.T) {
	repo := &bookingRepoStub{
		rule: &domain.PricingRule{
			ServiceType:          domain.ServicePhysicalLawyer,
			Price:                3500000,
			PlatformSharePercent: 60,
			PayeeSharePercent:    40,
			Active:               true,
		},
	}
	gw := &gatewayStub{checkoutErr: errors.New("checkout rejected")}
	svc := NewService(repo, gw, &publisherStub{})

	_, err := svc.CreateBooking(context.Background(), uuid.New(), domain.CreateBookingRequest{
		PayeeID:                  uuid.New(),
		PayeeTier:                domain.TierLawyer,
		BookingType:              domain.BookingPhysical,
		ScheduledAt:              time.Now().Add(time.Hour),
		EstimatedDurationMinutes: 60,
		PhoneNumber:              "255712345678",
		Provider:                 "Mpesa",
	})
	if !errors.Is(err, ErrGatewayCheckout) {
		t.Fatalf("expected gateway checkout error, got %v", err)
	}
	if repo.resolvedTxnStatus != domain.TransactionFailed {
		t.Fatalf("expected the fee transaction failed, got %s", repo.resolvedTxnStatus)
	}
	if !repo.cancelCalled {
		t.Fatal("expected the booking cancelled after checkout rejection")
	}
}

func TestTrimReservationRefundsFromTheTail(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	reservation := []domain.GrantAllocation{
		{GrantID: first, Minutes: 3},
		{GrantID: second, Minutes: 7},
	}

	refunds := trimReservation(reservation, 4)
	if len(refunds) != 1 {
		t.Fatalf("expected one refund allocation, got %d", len(refunds))
	}
	if refunds[0].GrantID != second || refunds[0].Minutes != 4 {
		t.Fatalf("expected 4 minutes back to the later grant, got %+v", refunds[0])
	}

	refunds = trimReservation(reservation, 9)
	total := 0
	for _, r := range refunds {
		total += r.Minutes
	}
	if total != 9 || len(refunds) != 2 {
		t.Fatalf("expected 9 minutes over two grants, got %d over %d", total, len(refunds))
	}
}
