/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates pricing, credit wallets, bookings, earnings and
 * payouts, coordinating between the database repository, the AzamPay gateway
 * client, and the message broker.
 *
 * Key features:
 * - Pricing catalog reads and admin writes with seed data for first boot.
 * - Credit purchases: a pending grant plus a pending inbound transaction, both
 *   settled later by the gateway callback.
 * - Wallet balance views computed against the caller's clock.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/azampay, pkg/rabbitmq: For external service communication.
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
	"github.com/pola/settlement-service/pkg/azampay"
	"github.com/pola/settlement-service/pkg/rabbitmq"
)

// MinDisbursementAmount is the smallest payout the gateway will carry,
// 1000 TZS in senti.
const MinDisbursementAmount = 100000

var (
	ErrUnknownBundle          = errors.New("unknown credit bundle")
	ErrGatewayCheckout        = errors.New("gateway checkout failed")
	ErrPricingRuleInactive    = errors.New("pricing rule is not active for booking")
	ErrBelowMinimumPayout     = errors.New("payout amount is below the gateway minimum")
	ErrUnsupportedChannel     = errors.New("unsupported payout channel")
	ErrCallbackTargetNotFound = errors.New("callback matches no known transaction or disbursement")
)

// Gateway is the subset of the AzamPay client the service needs. It exists so
// tests can substitute a stub without an HTTP server.
type Gateway interface {
	MobileCheckout(ctx context.Context, accountNumber, provider, externalID string, amountSenti int64) (*azampay.CheckoutResponse, error)
	Disburse(ctx context.Context, accountNumber, provider, externalID, remarks string, amountSenti int64) (*azampay.DisburseResponse, error)
}

// Service provides the core business logic for settlement.
type Service struct {
	repo          store.Repository
	gateway       Gateway
	eventProducer rabbitmq.Publisher
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
	}
}

// GetPricingRule returns one catalog entry.
func (s *Service) GetPricingRule(ctx context.Context, serviceType domain.ServiceType) (*domain.PricingRule, error) {
	if !serviceType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownServiceType, serviceType)
	}
	return s.repo.GetPricingRule(ctx, serviceType)
}

// ListPricingRules returns the full catalog.
func (s *Service) ListPricingRules(ctx context.Context) ([]domain.PricingRule, error) {
	return s.repo.ListPricingRules(ctx)
}

// UpsertPricingRule validates and writes one catalog entry. Existing bookings
// are unaffected: they settle on the snapshot taken at creation.
func (s *Service) UpsertPricingRule(ctx context.Context, rule domain.PricingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.repo.UpsertPricingRule(ctx, rule)
}

// defaultPricingRules is the catalog seeded on first boot. Prices are in senti.
var defaultPricingRules = []domain.PricingRule{
	{ServiceType: domain.ServiceMobileAdvocate, Price: 1000000, PlatformSharePercent: 50, PayeeSharePercent: 50, Description: "Mobile consultation with an advocate", Active: true},
	{ServiceType: domain.ServiceMobileLawyer, Price: 800000, PlatformSharePercent: 50, PayeeSharePercent: 50, Description: "Mobile consultation with a lawyer", Active: true},
	{ServiceType: domain.ServiceMobileParalegal, Price: 500000, PlatformSharePercent: 50, PayeeSharePercent: 50, Description: "Mobile consultation with a paralegal", Active: true},
	{ServiceType: domain.ServicePhysicalAdvocate, Price: 6000000, PlatformSharePercent: 60, PayeeSharePercent: 40, Description: "In-person consultation with an advocate", Active: true},
	{ServiceType: domain.ServicePhysicalLawyer, Price: 3500000, PlatformSharePercent: 60, PayeeSharePercent: 40, Description: "In-person consultation with a lawyer", Active: true},
	{ServiceType: domain.ServicePhysicalParalegal, Price: 2500000, PlatformSharePercent: 60, PayeeSharePercent: 40, Description: "In-person consultation with a paralegal", Active: true},
	{ServiceType: domain.ServiceMaterialStudent, Price: 150000, PlatformSharePercent: 50, PayeeSharePercent: 50, Description: "Study material uploaded by a student", Active: true},
	{ServiceType: domain.ServiceMaterialLecturer, Price: 500000, PlatformSharePercent: 40, PayeeSharePercent: 60, Description: "Study material authored by a lecturer", Active: true},
	{ServiceType: domain.ServiceMaterialAdmin, Price: 300000, PlatformSharePercent: 100, PayeeSharePercent: 0, Description: "Study material published by the platform", Active: true},
	{ServiceType: domain.ServiceDocumentStandard, Price: 500000, PlatformSharePercent: 100, PayeeSharePercent: 0, Description: "Standard document preparation", Active: true},
	{ServiceType: domain.ServiceDocumentAdvanced, Price: 1500000, PlatformSharePercent: 100, PayeeSharePercent: 0, Description: "Advanced document preparation", Active: true},
}

// SeedDefaultPricingRules writes the default catalog for any service type that
// has no rule yet. Existing rules are left untouched.
func (s *Service) SeedDefaultPricingRules(ctx context.Context) error {
	for _, rule := range defaultPricingRules {
		_, err := s.repo.GetPricingRule(ctx, rule.ServiceType)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrPricingRuleNotFound) {
			return fmt.Errorf("failed to check pricing rule %s: %w", rule.ServiceType, err)
		}
		if err := s.repo.UpsertPricingRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed pricing rule %s: %w", rule.ServiceType, err)
		}
		log.Printf("SeedDefaultPricingRules: seeded %s price=%s split=%d/%d",
			rule.ServiceType, domain.FormatAmount(rule.Price), rule.PlatformSharePercent, rule.PayeeSharePercent)
	}
	return nil
}

// ListCreditBundles returns the purchasable bundle presets.
func (s *Service) ListCreditBundles() []domain.CreditBundle {
	return domain.DefaultCreditBundles
}

// GetWalletBalance returns the owner's available minutes and grant breakdown.
// The count comes from the store's sum, which applies the same expiry predicate
// the consume path uses, so expired grants never inflate the balance.
func (s *Service) GetWalletBalance(ctx context.Context, ownerID uuid.UUID) (*domain.WalletBalance, error) {
	now := time.Now().UTC()
	available, err := s.repo.SumAvailableMinutes(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sum available minutes: %w", err)
	}
	grants, err := s.repo.FindGrantsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	return &domain.WalletBalance{
		OwnerID:          ownerID,
		AvailableMinutes: available,
		Grants:           grants,
		AsOf:             now,
	}, nil
}

// GrantCredits issues an already-settled grant directly, bypassing the gateway.
// Used by operations tooling for compensation credits.
func (s *Service) GrantCredits(ctx context.Context, req domain.GrantCreditsRequest) (*domain.CreditGrant, error) {
	now := time.Now().UTC()
	grant := &domain.CreditGrant{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		BundleName:       req.Reason,
		TotalMinutes:     req.Minutes,
		RemainingMinutes: req.Minutes,
		ValidityDays:     req.ValidityDays,
		PurchasedAt:      now,
		ExpiresAt:        now.AddDate(0, 0, req.ValidityDays),
		Status:           domain.GrantActive,
	}
	if err := s.repo.CreateCreditGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to create credit grant: %w", err)
	}
	log.Printf("GrantCredits: owner=%s minutes=%d validity_days=%d reason=%q", req.OwnerID, req.Minutes, req.ValidityDays, req.Reason)
	return grant, nil
}

// PurchaseCredits starts a credit bundle purchase: it records a pending grant
// and a pending inbound transaction, then asks the gateway to collect the
// money. The grant only becomes spendable when the success callback arrives.
func (s *Service) PurchaseCredits(ctx context.Context, ownerID uuid.UUID, req domain.PurchaseCreditsRequest) (*domain.PurchaseCreditsResult, error) {
	bundle, ok := domain.FindCreditBundle(req.BundleName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBundle, req.BundleName)
	}

	now := time.Now().UTC()
	log.Printf("PurchaseCredits: owner=%s bundle=%s minutes=%d price=%s", ownerID, bundle.Name, bundle.Minutes, domain.FormatAmount(bundle.Price))

	// 1. Create the grant in pending state. The expiry clock only starts at
	// activation; the value written here is provisional.
	grant := &domain.CreditGrant{
		ID:               uuid.New(),
		OwnerID:          ownerID,
		BundleName:       bundle.Name,
		TotalMinutes:     bundle.Minutes,
		RemainingMinutes: bundle.Minutes,
		ValidityDays:     bundle.ValidityDays,
		PurchasedAt:      now,
		ExpiresAt:        now.AddDate(0, 0, bundle.ValidityDays),
		Status:           domain.GrantPending,
	}
	if err := s.repo.CreateCreditGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to create credit grant: %w", err)
	}

	// 2. Create the pending inbound transaction carrying the idempotency
	// reference the gateway will echo back.
	reference := domain.NewPaymentReference(domain.KindCallCredit, now)
	txn := &domain.InboundTransaction{
		ID:               uuid.New(),
		UserID:           ownerID,
		Kind:             domain.KindCallCredit,
		Amount:           bundle.Price,
		Status:           domain.TransactionPending,
		GatewayReference: reference,
		RelatedEntityID:  &grant.ID,
	}
	if err := s.repo.CreateInboundTransaction(ctx, txn); err != nil {
		if voidErr := s.repo.VoidPendingGrant(ctx, grant.ID); voidErr != nil {
			log.Printf("CRITICAL: PurchaseCredits: failed to void grant %s after transaction creation failure: %v", grant.ID, voidErr)
		}
		return nil, fmt.Errorf("failed to create inbound transaction: %w", err)
	}

	// 3. Ask the gateway to collect. On rejection, compensate both records.
	resp, err := s.gateway.MobileCheckout(ctx, req.PhoneNumber, req.Provider, reference, bundle.Price)
	if err != nil {
		reason := err.Error()
		if _, resolveErr := s.repo.ResolveInboundTransaction(ctx, txn.ID, nil, domain.TransactionFailed, &reason); resolveErr != nil {
			log.Printf("CRITICAL: PurchaseCredits: failed to fail transaction %s after checkout rejection: %v", txn.ID, resolveErr)
		}
		if voidErr := s.repo.VoidPendingGrant(ctx, grant.ID); voidErr != nil {
			log.Printf("CRITICAL: PurchaseCredits: failed to void grant %s after checkout rejection: %v", grant.ID, voidErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayCheckout, err)
	}

	log.Printf("PurchaseCredits: checkout accepted owner=%s reference=%s gateway_txn=%s", ownerID, reference, resp.TransactionID)

	return &domain.PurchaseCreditsResult{
		Grant:            grant,
		Transaction:      txn,
		GatewayReference: reference,
	}, nil
}

// SweepExpiredGrants marks every overdue active grant expired. Pending grants
// are left alone; their expiry clock starts at activation. Invoked on a
// schedule; safe to run concurrently because the sweep is a single guarded
// statement.
func (s *Service) SweepExpiredGrants(ctx context.Context) (int64, error) {
	swept, err := s.repo.MarkExpiredGrants(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired grants: %w", err)
	}
	if swept > 0 {
		log.Printf("SweepExpiredGrants: expired %d grants", swept)
	}
	return swept, nil
}
