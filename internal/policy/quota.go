package policy

import (
	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// UsageDelta is a proposed change in resource consumption, applied to a
// Quota's current counters before comparing against its soft/hard limits.
type UsageDelta struct {
	Bytes int64
	Files int64
}

// EvaluateQuota implements spec §4.3's quota sub-evaluator: given a
// proposed delta, returns {allowed, soft_warning, hard_exceeded, usage_pct}.
// Comparisons use saturating addition (spec §4.4 numeric semantics) so a
// delta can never underflow a uint64 counter below zero.
func EvaluateQuota(q db.Quota, delta UsageDelta) types.QuotaResult {
	newBytes := saturatingAdd(q.CurrentBytes, delta.Bytes)
	newFiles := saturatingAdd(q.CurrentFiles, delta.Files)

	hardExceeded := (q.HardBytes > 0 && newBytes > q.HardBytes) ||
		(q.HardFiles > 0 && newFiles > q.HardFiles)
	softWarning := !hardExceeded && ((q.SoftBytes > 0 && newBytes > q.SoftBytes) ||
		(q.SoftFiles > 0 && newFiles > q.SoftFiles))

	usagePct := 0.0
	if q.HardBytes > 0 {
		usagePct = float64(newBytes) / float64(q.HardBytes) * 100
	}

	return types.QuotaResult{
		Allowed:      !hardExceeded,
		SoftWarning:  softWarning,
		HardExceeded: hardExceeded,
		UsagePct:     usagePct,
	}
}

// saturatingAdd adds a signed delta to an unsigned counter, floored at
// zero — a quota delta never drives a counter negative (spec §4.4).
func saturatingAdd(current uint64, delta int64) uint64 {
	if delta >= 0 {
		return current + uint64(delta)
	}
	dec := uint64(-delta)
	if dec > current {
		return 0
	}
	return current - dec
}
