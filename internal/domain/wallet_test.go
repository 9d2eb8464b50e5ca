package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func activeGrant(remaining int, expiresIn time.Duration, now time.Time) CreditGrant {
	return CreditGrant{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		TotalMinutes:     remaining,
		RemainingMinutes: remaining,
		PurchasedAt:      now.Add(-time.Hour),
		ExpiresAt:        now.Add(expiresIn),
		Status:           GrantActive,
	}
}

func TestAllocateMinutesEarliestExpiryFirst(t *testing.T) {
	now := time.Now()
	grantA := activeGrant(3, 24*time.Hour, now)
	grantB := activeGrant(10, 5*24*time.Hour, now)

	// Input order deliberately lists the later expiry first.
	allocations, err := AllocateMinutes([]CreditGrant{grantB, grantA}, 5, now)
	if err != nil {
		t.Fatalf("AllocateMinutes returned error: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocations))
	}
	if allocations[0].GrantID != grantA.ID || allocations[0].Minutes != 3 {
		t.Fatalf("expected 3 minutes from earliest-expiry grant first, got %+v", allocations[0])
	}
	if allocations[1].GrantID != grantB.ID || allocations[1].Minutes != 2 {
		t.Fatalf("expected 2 minutes from later grant, got %+v", allocations[1])
	}
}

func TestAllocateMinutesInsufficientIsAllOrNothing(t *testing.T) {
	now := time.Now()
	grantA := activeGrant(4, 24*time.Hour, now)

	allocations, err := AllocateMinutes([]CreditGrant{grantA}, 5, now)
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	if allocations != nil {
		t.Fatalf("expected no allocation plan on failure, got %+v", allocations)
	}
	if grantA.RemainingMinutes != 4 {
		t.Fatalf("input grant mutated: remaining=%d", grantA.RemainingMinutes)
	}
}

func TestAllocateMinutesSkipsExpiredGrants(t *testing.T) {
	now := time.Now()
	expired := activeGrant(30, -time.Minute, now) // past expiry, sweep has not run
	fresh := activeGrant(10, 48*time.Hour, now)

	allocations, err := AllocateMinutes([]CreditGrant{expired, fresh}, 5, now)
	if err != nil {
		t.Fatalf("AllocateMinutes returned error: %v", err)
	}
	if len(allocations) != 1 || allocations[0].GrantID != fresh.ID {
		t.Fatalf("expected allocation only from fresh grant, got %+v", allocations)
	}

	// Expired minutes alone cannot satisfy the request.
	if _, err := AllocateMinutes([]CreditGrant{expired}, 1, now); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit against expired-only wallet, got %v", err)
	}
}

func TestAllocateMinutesSkipsNonActiveStatuses(t *testing.T) {
	now := time.Now()
	pending := activeGrant(10, 48*time.Hour, now)
	pending.Status = GrantPending
	exhausted := activeGrant(10, 48*time.Hour, now)
	exhausted.Status = GrantExhausted
	exhausted.RemainingMinutes = 0

	if _, err := AllocateMinutes([]CreditGrant{pending, exhausted}, 1, now); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
}

func TestAllocateMinutesRejectsNonPositiveRequest(t *testing.T) {
	now := time.Now()
	if _, err := AllocateMinutes(nil, 0, now); !errors.Is(err, ErrInvalidMinutes) {
		t.Fatalf("expected ErrInvalidMinutes for zero, got %v", err)
	}
	if _, err := AllocateMinutes(nil, -3, now); !errors.Is(err, ErrInvalidMinutes) {
		t.Fatalf("expected ErrInvalidMinutes for negative, got %v", err)
	}
}

func TestAllocateMinutesExactDrain(t *testing.T) {
	now := time.Now()
	grantA := activeGrant(3, time.Hour, now)
	grantB := activeGrant(7, 2*time.Hour, now)

	allocations, err := AllocateMinutes([]CreditGrant{grantA, grantB}, 10, now)
	if err != nil {
		t.Fatalf("AllocateMinutes returned error: %v", err)
	}
	total := 0
	for _, a := range allocations {
		total += a.Minutes
	}
	if total != 10 {
		t.Fatalf("allocations cover %d minutes, want 10", total)
	}
}

func TestAllocateMinutesDeterministicTieBreak(t *testing.T) {
	now := time.Now()
	expiry := now.Add(24 * time.Hour)
	older := activeGrant(5, 0, now)
	older.ExpiresAt = expiry
	older.PurchasedAt = now.Add(-2 * time.Hour)
	newer := activeGrant(5, 0, now)
	newer.ExpiresAt = expiry
	newer.PurchasedAt = now.Add(-1 * time.Hour)

	allocations, err := AllocateMinutes([]CreditGrant{newer, older}, 5, now)
	if err != nil {
		t.Fatalf("AllocateMinutes returned error: %v", err)
	}
	if allocations[0].GrantID != older.ID {
		t.Fatalf("expected earlier purchase to break the expiry tie")
	}
}

func TestConsumableEvaluatesExpiryAtQueryTime(t *testing.T) {
	now := time.Now()
	g := activeGrant(5, time.Minute, now)
	if !g.Consumable(now) {
		t.Fatal("grant should be consumable before expiry")
	}
	if g.Consumable(now.Add(2 * time.Minute)) {
		t.Fatal("grant should not be consumable after its expiry even while status is still active")
	}
}

func TestFindCreditBundle(t *testing.T) {
	b, ok := FindCreditBundle("silver")
	if !ok {
		t.Fatal("silver bundle missing")
	}
	if b.Minutes != 10 || b.ValidityDays != 5 {
		t.Fatalf("unexpected silver preset: %+v", b)
	}
	if _, ok := FindCreditBundle("platinum"); ok {
		t.Fatal("unknown bundle should not resolve")
	}
}
