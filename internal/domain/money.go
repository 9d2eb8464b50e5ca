package domain

import "fmt"

// ComputeSplit divides a gross amount between the platform and the payee.
// The platform share is floored integer arithmetic; the payee share is the
// remainder, so platform + payee always reconstructs the gross exactly.
//
// An out-of-range percent or negative gross is a programming error upstream
// (the catalog validates rules at write time), so it fails loudly here rather
// than being silently corrected.
func ComputeSplit(gross, platformSharePercent int64) (platform, payee int64, err error) {
	if gross < 0 {
		return 0, 0, fmt.Errorf("%w: negative gross amount %d", ErrInvalidSplit, gross)
	}
	if platformSharePercent < 0 || platformSharePercent > 100 {
		return 0, 0, fmt.Errorf("%w: platform share %d out of range", ErrInvalidSplit, platformSharePercent)
	}
	platform = gross * platformSharePercent / 100
	payee = gross - platform
	return platform, payee, nil
}

// FormatAmount renders a senti amount as a decimal string (e.g. 300000 -> "3000.00")
// for gateway payloads that expect major units. No floating point is involved.
func FormatAmount(senti int64) string {
	sign := ""
	if senti < 0 {
		sign = "-"
		senti = -senti
	}
	return fmt.Sprintf("%s%d.%02d", sign, senti/100, senti%100)
}
