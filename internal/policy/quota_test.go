package policy

import (
	"testing"

	"github.com/blacklake-io/blacklake/internal/db"
)

func TestEvaluateQuotaWithinLimits(t *testing.T) {
	q := db.Quota{SoftBytes: 1000, HardBytes: 2000, CurrentBytes: 100}
	result := EvaluateQuota(q, UsageDelta{Bytes: 50})
	if !result.Allowed || result.SoftWarning || result.HardExceeded {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEvaluateQuotaSoftWarning(t *testing.T) {
	q := db.Quota{SoftBytes: 100, HardBytes: 1000, CurrentBytes: 90}
	result := EvaluateQuota(q, UsageDelta{Bytes: 50})
	if !result.Allowed || !result.SoftWarning || result.HardExceeded {
		t.Fatalf("expected soft warning only, got %+v", result)
	}
}

func TestEvaluateQuotaHardExceeded(t *testing.T) {
	q := db.Quota{SoftBytes: 100, HardBytes: 1000, CurrentBytes: 980}
	result := EvaluateQuota(q, UsageDelta{Bytes: 50})
	if result.Allowed || !result.HardExceeded {
		t.Fatalf("expected hard exceeded, got %+v", result)
	}
}

func TestSaturatingAddFloorsAtZero(t *testing.T) {
	if got := saturatingAdd(5, -10); got != 0 {
		t.Fatalf("expected floor at zero, got %d", got)
	}
	if got := saturatingAdd(5, -3); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
