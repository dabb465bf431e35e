package config

import (
	"os"
	"strings"
)

// StrictNegativeStock makes the ledger-posting primitive reject any movement
// that would drive a stock slot below zero, instead of tolerating transient
// negatives for reconciliation. The outbound commit path always pre-checks
// availability regardless of this flag; the flag additionally hardens the bare
// posting path (adjustments, counts, maintenance tooling).
//
// Set via env:
// - STRICT_NEGATIVE_STOCK=true
func StrictNegativeStock() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_NEGATIVE_STOCK")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// HandoffCodeCheckEnabled keeps the legacy handoff-code confirmation check on
// the pick-task ship path. Older floor clients send the carrier handoff code
// with the commit; newer ones don't.
//
// Set via env:
// - HANDOFF_CODE_CHECK=true
func HandoffCodeCheckEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("HANDOFF_CODE_CHECK")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
