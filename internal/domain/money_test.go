package domain

import (
	"errors"
	"testing"
)

func TestComputeSplitReconstructsGross(t *testing.T) {
	percents := []int64{0, 1, 33, 40, 50, 60, 99, 100}
	for _, percent := range percents {
		for gross := int64(1); gross <= 10_000_000; gross = gross*3 + 7 {
			platform, payee, err := ComputeSplit(gross, percent)
			if err != nil {
				t.Fatalf("ComputeSplit(%d, %d) returned error: %v", gross, percent, err)
			}
			if platform+payee != gross {
				t.Fatalf("ComputeSplit(%d, %d): platform %d + payee %d != gross", gross, percent, platform, payee)
			}
			if platform < 0 || payee < 0 {
				t.Fatalf("ComputeSplit(%d, %d): negative share platform=%d payee=%d", gross, percent, platform, payee)
			}
		}
	}
}

func TestComputeSplitFloorsPlatformShare(t *testing.T) {
	tests := []struct {
		gross        int64
		percent      int64
		wantPlatform int64
		wantPayee    int64
	}{
		{gross: 100, percent: 50, wantPlatform: 50, wantPayee: 50},
		{gross: 101, percent: 50, wantPlatform: 50, wantPayee: 51},
		{gross: 999, percent: 33, wantPlatform: 329, wantPayee: 670},
		{gross: 1, percent: 60, wantPlatform: 0, wantPayee: 1},
		{gross: 300000, percent: 60, wantPlatform: 180000, wantPayee: 120000},
	}
	for _, tc := range tests {
		platform, payee, err := ComputeSplit(tc.gross, tc.percent)
		if err != nil {
			t.Fatalf("ComputeSplit(%d, %d) returned error: %v", tc.gross, tc.percent, err)
		}
		if platform != tc.wantPlatform || payee != tc.wantPayee {
			t.Fatalf("ComputeSplit(%d, %d) = (%d, %d), want (%d, %d)",
				tc.gross, tc.percent, platform, payee, tc.wantPlatform, tc.wantPayee)
		}
	}
}

func TestComputeSplitRejectsBadInput(t *testing.T) {
	if _, _, err := ComputeSplit(-1, 50); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for negative gross, got %v", err)
	}
	if _, _, err := ComputeSplit(100, 101); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for percent > 100, got %v", err)
	}
	if _, _, err := ComputeSplit(100, -1); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for negative percent, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		senti int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{100, "1.00"},
		{300000, "3000.00"},
		{999999, "9999.99"},
		{-2500, "-25.00"},
	}
	for _, tc := range tests {
		if got := FormatAmount(tc.senti); got != tc.want {
			t.Fatalf("FormatAmount(%d) = %q, want %q", tc.senti, got, tc.want)
		}
	}
}

func TestPricingRuleValidate(t *testing.T) {
	base := PricingRule{
		ServiceType:          ServiceMobileAdvocate,
		Price:                300000,
		PlatformSharePercent: 50,
		PayeeSharePercent:    50,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	bad := base
	bad.PlatformSharePercent = 60
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPricingRule) {
		t.Fatalf("expected ErrInvalidPricingRule for 60/50 split, got %v", err)
	}

	bad = base
	bad.Price = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPricingRule) {
		t.Fatalf("expected ErrInvalidPricingRule for zero price, got %v", err)
	}

	bad = base
	bad.ServiceType = "mobile_judge"
	if err := bad.Validate(); !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("expected ErrUnknownServiceType, got %v", err)
	}
}

func TestDeriveServiceType(t *testing.T) {
	tests := []struct {
		bookingType BookingType
		tier        PayeeTier
		want        ServiceType
	}{
		{BookingMobile, TierAdvocate, ServiceMobileAdvocate},
		{BookingMobile, TierLawyer, ServiceMobileLawyer},
		{BookingMobile, TierParalegal, ServiceMobileParalegal},
		{BookingPhysical, TierAdvocate, ServicePhysicalAdvocate},
		{BookingPhysical, TierLawyer, ServicePhysicalLawyer},
		{BookingPhysical, TierParalegal, ServicePhysicalParalegal},
	}
	for _, tc := range tests {
		got, err := DeriveServiceType(tc.bookingType, tc.tier)
		if err != nil {
			t.Fatalf("DeriveServiceType(%s, %s) returned error: %v", tc.bookingType, tc.tier, err)
		}
		if got != tc.want {
			t.Fatalf("DeriveServiceType(%s, %s) = %s, want %s", tc.bookingType, tc.tier, got, tc.want)
		}
	}

	if _, err := DeriveServiceType("virtual", TierLawyer); !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("expected ErrUnknownServiceType for bad booking type, got %v", err)
	}
	if _, err := DeriveServiceType(BookingMobile, "judge"); !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("expected ErrUnknownServiceType for bad tier, got %v", err)
	}
}
