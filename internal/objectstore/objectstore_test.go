package objectstore

import "testing"

func TestBlobKeyLayout(t *testing.T) {
	digest := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	got := BlobKey(digest)
	want := "sha256/ba/78/" + digest
	if got != want {
		t.Fatalf("BlobKey(%q) = %q, want %q", digest, got, want)
	}
}

func TestBlobKeyShortInput(t *testing.T) {
	if got := BlobKey("ab"); got != "sha256/ab" {
		t.Fatalf("BlobKey short input = %q", got)
	}
}

func TestExportSampleRDFKeys(t *testing.T) {
	if got, want := ExportKey("exp-1"), "exports/exp-1.tar.gz"; got != want {
		t.Fatalf("ExportKey = %q, want %q", got, want)
	}
	if got, want := SampleKey("deadbeef"), "samples/deadbeef"; got != want {
		t.Fatalf("SampleKey = %q, want %q", got, want)
	}
	if got, want := RDFKey("deadbeef", "jsonld"), "rdf/deadbeef.jsonld"; got != want {
		t.Fatalf("RDFKey = %q, want %q", got, want)
	}
}

func TestBackoffWithJitterGrowsAndStaysPositive(t *testing.T) {
	prev := backoffWithJitter(1)
	if prev <= 0 {
		t.Fatalf("expected positive delay")
	}
	for attempt := 2; attempt <= 3; attempt++ {
		d := backoffWithJitter(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: expected positive delay", attempt)
		}
	}
}
