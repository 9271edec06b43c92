package privacy

import "github.com/carelink-ng/referral/internal/shared/types"

// Redacted replaces confidential values in projections for callers who are
// not a party to the case.
const Redacted = "[redacted]"

// CanViewConfidential reports whether viewer is one of the case parties.
// Zero-valued parties never match.
func CanViewConfidential(viewer types.ProviderID, parties ...types.ProviderID) bool {
	if viewer.IsZero() {
		return false
	}
	for _, p := range parties {
		if !p.IsZero() && p == viewer {
			return true
		}
	}
	return false
}
