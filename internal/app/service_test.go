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

type walletRepoStub struct {
	store.Repository

	rules map[domain.ServiceType]*domain.PricingRule

	upserted          []domain.ServiceType
	grants            []domain.CreditGrant
	createGrantErr    error
	createdGrant      *domain.CreditGrant
	createTxnErr      error
	createdTxn        *domain.InboundTransaction
	voidedGrantIDs    []uuid.UUID
	resolvedTxnStatus domain.TransactionStatus
	sweptCount        int64
}

func (s *walletRepoStub) GetPricingRule(ctx context.Context, serviceType domain.ServiceType) (*domain.PricingRule, error) {
	if rule, ok := s.rules[serviceType]; ok {
		return rule, nil
	}
	return nil, store.ErrPricingRuleNotFound
}

func (s *walletRepoStub) UpsertPricingRule(ctx context.Context, rule domain.PricingRule) error {
	s.upserted = append(s.upserted, rule.ServiceType)
	return nil
}

func (s *walletRepoStub) FindGrantsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.CreditGrant, error) {
	return s.grants, nil
}

func (s *walletRepoStub) CreateCreditGrant(ctx context.Context, grant *domain.CreditGrant) error {
	if s.createGrantErr != nil {
		return s.createGrantErr
	}
	s.createdGrant = grant
	return nil
}

func (s *walletRepoStub) CreateInboundTransaction(ctx context.Context, txn *domain.InboundTransaction) error {
	if s.createTxnErr != nil {
		return s.createTxnErr
	}
	s.createdTxn = txn
	return nil
}

func (s *walletRepoStub) VoidPendingGrant(ctx context.Context, grantID uuid.UUID) error {
	s.voidedGrantIDs = append(s.voidedGrantIDs, grantID)
	return nil
}

func (s *walletRepoStub) ResolveInboundTransaction(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, status domain.TransactionStatus, reason *string) (bool, error) {
	s.resolvedTxnStatus = status
	return true, nil
}

func (s *walletRepoStub) SumAvailableMinutes(ctx context.Context, ownerID uuid.UUID, asOf time.Time) (int, error) {
	total := 0
	for _, g := range s.grants {
		if g.Consumable(asOf) {
			total += g.RemainingMinutes
		}
	}
	return total, nil
}

func (s *walletRepoStub) MarkExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	return s.sweptCount, nil
}

func TestPurchaseCreditsCreatesPendingGrantAndTransaction(t *testing.T) {
	repo := &walletRepoStub{}
	gw := &gatewayStub{checkoutTxn: "gw-checkout-1"}
	svc := NewService(repo, gw, &publisherStub{})
	ownerID := uuid.New()

	result, err := svc.PurchaseCredits(context.Background(), ownerID, domain.PurchaseCreditsRequest{
		BundleName:  "silver",
		PhoneNumber: "255712345678",
		Provider:    "Mpesa",
	})
	if err != nil {
		t.Fatalf("expected purchase to start, got %v", err)
	}
	if result.Grant.Status != domain.GrantPending {
		t.Fatalf("expected pending grant, got %s", result.Grant.Status)
	}
	if result.Grant.TotalMinutes != 10 {
		t.Fatalf("expected silver bundle minutes, got %d", result.Grant.TotalMinutes)
	}
	if result.Transaction.Status != domain.TransactionPending {
		t.Fatalf("expected pending transaction, got %s", result.Transaction.Status)
	}
	if result.Transaction.Amount != 500000 {
		t.Fatalf("expected silver bundle price, got %d", result.Transaction.Amount)
	}
	if result.Transaction.RelatedEntityID == nil || *result.Transaction.RelatedEntityID != result.Grant.ID {
		t.Fatal("expected transaction linked to the grant")
	}
	if result.GatewayReference == "" {
		t.Fatal("expected a gateway reference for the checkout")
	}
	if len(repo.voidedGrantIDs) != 0 {
		t.Fatal("no compensation expected on the happy path")
	}
}

func TestPurchaseCreditsRejectsUnknownBundle(t *testing.T) {
	svc := NewService(&walletRepoStub{}, &gatewayStub{}, &publisherStub{})

	_, err := svc.PurchaseCredits(context.Background(), uuid.New(), domain.PurchaseCreditsRequest{
		BundleName:  "platinum",
		PhoneNumber: "255712345678",
		Provider:    "Mpesa",
	})
	if !errors.Is(err, ErrUnknownBundle) {
		t.Fatalf("expected unknown bundle error, got %v", err)
	}
}

func TestPurchaseCreditsCompensatesOnCheckoutRejection(t *testing.T) {
	repo := &walletRepoStub{}
	gw := &gatewayStub{checkoutErr: errors.New("checkout rejected")}
	svc := NewService(repo, gw, &publisherStub{})

	_, err := svc.PurchaseCredits(context.Background(), uuid.New(), domain.PurchaseCreditsRequest{
		BundleName:  "bronze",
		PhoneNumber: "255712345678",
		Provider:    "Mpesa",
	})
	if err == nil {
		t.Fatal("expected checkout rejection to surface")
	}
	if repo.resolvedTxnStatus != domain.TransactionFailed {
		t.Fatalf("expected the pending transaction failed, got %s", repo.resolvedTxnStatus)
	}
	if len(repo.voidedGrantIDs) != 1 {
		t.Fatalf("expected the pending grant voided, got %d voids", len(repo.voidedGrantIDs))
	}
}

func TestPurchaseCreditsVoidsGrantWhenTransactionInsertFails(t *testing.T) {
	repo := &walletRepoStub{createTxnErr: errors.New("insert failed")}
	svc := NewService(repo, &gatewayStub{}, &publisherStub{})

	_, err := svc.PurchaseCredits(context.Background(), uuid.New(), domain.PurchaseCreditsRequest{
		BundleName:  "gold",
		PhoneNumber: "255712345678",
		Provider:    "Tigo",
	})
	if err == nil {
		t.Fatal("expected transaction insert failure to surface")
	}
	if len(repo.voidedGrantIDs) != 1 {
		t.Fatalf("expected the orphaned grant voided, got %d voids", len(repo.voidedGrantIDs))
	}
}

func TestGetWalletBalanceCountsOnlyConsumableGrants(t *testing.T) {
	ownerID := uuid.New()
	now := time.Now().UTC()
	repo := &walletRepoStub{
		grants: []domain.CreditGrant{
			{ID: uuid.New(), OwnerID: ownerID, Status: domain.GrantActive, RemainingMinutes: 8, ExpiresAt: now.Add(48 * time.Hour)},
			{ID: uuid.New(), OwnerID: ownerID, Status: domain.GrantActive, RemainingMinutes: 5, ExpiresAt: now.Add(-time.Hour)},
			{ID: uuid.New(), OwnerID: ownerID, Status: domain.GrantPending, RemainingMinutes: 20, ExpiresAt: now.Add(72 * time.Hour)},
			{ID: uuid.New(), OwnerID: ownerID, Status: domain.GrantActive, RemainingMinutes: 0, ExpiresAt: now.Add(24 * time.Hour)},
		},
	}
	svc := NewService(repo, &gatewayStub{}, &publisherStub{})

	balance, err := svc.GetWalletBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("expected balance, got %v", err)
	}
	if balance.AvailableMinutes != 8 {
		t.Fatalf("expected only the live active grant to count, got %d minutes", balance.AvailableMinutes)
	}
	if len(balance.Grants) != 4 {
		t.Fatalf("expected the full grant breakdown, got %d", len(balance.Grants))
	}
}

func TestGrantCreditsCreatesActiveGrant(t *testing.T) {
	repo := &walletRepoStub{}
	svc := NewService(repo, &gatewayStub{}, &publisherStub{})
	ownerID := uuid.New()

	grant, err := svc.GrantCredits(context.Background(), domain.GrantCreditsRequest{
		OwnerID:      ownerID,
		Minutes:      15,
		ValidityDays: 7,
		Reason:       "support compensation",
	})
	if err != nil {
		t.Fatalf("expected grant to succeed, got %v", err)
	}
	if grant.Status != domain.GrantActive {
		t.Fatalf("expected an immediately active grant, got %s", grant.Status)
	}
	if grant.RemainingMinutes != 15 {
		t.Fatalf("expected 15 remaining minutes, got %d", grant.RemainingMinutes)
	}
	if !grant.ExpiresAt.After(time.Now().UTC().AddDate(0, 0, 6)) {
		t.Fatal("expected expiry derived from the validity window")
	}
	if repo.createdGrant == nil || repo.createdGrant.ID != grant.ID {
		t.Fatal("expected the grant persisted")
	}
}

func TestSeedDefaultPricingRulesSkipsExisting(t *testing.T) {
	repo := &walletRepoStub{
		rules: map[domain.ServiceType]*domain.PricingRule{
			domain.ServiceMobileAdvocate:   {ServiceType: domain.ServiceMobileAdvocate, Price: 1200000, PlatformSharePercent: 45, PayeeSharePercent: 55, Active: true},
			domain.ServiceDocumentStandard: {ServiceType: domain.ServiceDocumentStandard, Price: 1500000, PlatformSharePercent: 100, PayeeSharePercent: 0, Active: true},
		},
	}
	svc := NewService(repo, &gatewayStub{}, &publisherStub{})

	if err := svc.SeedDefaultPricingRules(context.Background()); err != nil {
		t.Fatalf("expected seeding to succeed, got %v", err)
	}
	if len(repo.upserted) != len(defaultPricingRules)-2 {
		t.Fatalf("expected %d seeded rules, got %d", len(defaultPricingRules)-2, len(repo.upserted))
	}
	for _, seeded := range repo.upserted {
		if seeded == domain.ServiceMobileAdvocate || seeded == domain.ServiceDocumentStandard {
			t.Fatalf("existing rule %s must not be overwritten", seeded)
		}
	}
}

func TestSweepExpiredGrantsReportsCount(t *testing.T) {
	repo := &walletRepoStub{sweptCount: 3}
	svc := NewService(repo, &gatewayStub{}, &publisherStub{})

	swept, err := svc.SweepExpiredGrants(context.Background())
	if err != nil {
		t.Fatalf("expected sweep to succeed, got %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 swept grants, got %d", swept)
	}
}
