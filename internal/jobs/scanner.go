package jobs

import "context"

// Verdict is the antivirus handler's classification of a scanned blob.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
	VerdictError    Verdict = "error"
)

// AntivirusScanner streams a blob's bytes through a scan engine. The scan
// engine itself is an external collaborator (spec §1 lists no concrete
// product); only this interface is specified, matching how the search sink
// and export query layer are handled.
type AntivirusScanner interface {
	Scan(ctx context.Context, data []byte) (Verdict, error)
}

// AlwaysCleanScanner is a no-op AntivirusScanner for environments without a
// real scan engine wired in. Every blob verdicts clean, so antivirus jobs
// still exercise the quarantine-on-infected path's absence, not its
// presence — a real scanner plugs in behind the same interface.
type AlwaysCleanScanner struct{}

func (AlwaysCleanScanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	return VerdictClean, nil
}
