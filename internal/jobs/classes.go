package jobs

import "time"

// Class identifies one of the fixed job kinds the pipeline runs (spec §4.5).
type Class string

const (
	ClassIndexEntry      Class = "index_entry"
	ClassSampling        Class = "sampling"
	ClassRDFEmit         Class = "rdf_emit"
	ClassAntivirus       Class = "antivirus"
	ClassExport          Class = "export"
	ClassFullReindex     Class = "full_reindex"
	ClassWebhookDelivery Class = "webhook_delivery"
)

// ClassSpec carries a job class's retry policy and lease timeout.
type ClassSpec struct {
	MaxAttempts int
	RetryDelay  func(attempt int) time.Duration
	Timeout     time.Duration
}

// expBackoff returns a RetryDelay function growing geometrically from base,
// capped at max — the "exp(15s..5m)" notation for index_entry.
func expBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > max {
				return max
			}
		}
		return d
	}
}

func fixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Specs maps each job class to its retry/timeout policy, straight out of
// spec §4.5's job-class table.
var Specs = map[Class]ClassSpec{
	ClassIndexEntry: {
		MaxAttempts: 5,
		RetryDelay:  expBackoff(15*time.Second, 5*time.Minute),
		Timeout:     120 * time.Second,
	},
	ClassSampling: {
		MaxAttempts: 3,
		RetryDelay:  fixedDelay(30 * time.Second),
		Timeout:     300 * time.Second,
	},
	ClassRDFEmit: {
		MaxAttempts: 3,
		RetryDelay:  fixedDelay(45 * time.Second),
		Timeout:     180 * time.Second,
	},
	ClassAntivirus: {
		MaxAttempts: 2,
		RetryDelay:  fixedDelay(120 * time.Second),
		Timeout:     600 * time.Second, // fixed lease; AntivirusTimeout uses it as its floor
	},
	ClassExport: {
		MaxAttempts: 1,
		RetryDelay:  fixedDelay(0),
		Timeout:     30 * time.Minute,
	},
	ClassFullReindex: {
		MaxAttempts: 1,
		RetryDelay:  fixedDelay(0),
		Timeout:     24 * time.Hour, // "unbounded" approximated by a generous ceiling
	},
	ClassWebhookDelivery: {
		MaxAttempts: 6,
		RetryDelay:  expBackoff(10*time.Second, 64*time.Second),
		Timeout:     30 * time.Second,
	},
}

// AntivirusTimeout computes a file-size-scaled timeout for an antivirus
// scan — 1 second per MiB with Specs[ClassAntivirus].Timeout as the floor
// and a 30-minute ceiling so a corrupt size field cannot pin a worker
// indefinitely. The pipeline does not call it: leases are sized from the
// fixed Specs timeouts (see leaseDurationFor), not from the file size.
func AntivirusTimeout(sizeBytes int64) time.Duration {
	scaled := time.Duration(sizeBytes/(1<<20)) * time.Second
	floor := Specs[ClassAntivirus].Timeout
	if scaled < floor {
		return floor
	}
	const ceiling = 30 * time.Minute
	if scaled > ceiling {
		return ceiling
	}
	return scaled
}
