package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blacklake-io/blacklake/pkg/types"
)

func TestDispatcherDeliverSignsPayload(t *testing.T) {
	const secret = "s3cr3t"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-BlackLake-Signature")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher()
	payload := types.WebhookPayload{
		Event:      types.EventCommitCreated,
		OccurredAt: time.Now(),
		Repo:       "demo",
		Commit:     "abc123",
	}

	status, err := d.Deliver(context.Background(), srv.URL, secret, payload)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if gotSig == "" || gotSig[:7] != "sha256=" {
		t.Fatalf("signature header = %q, want sha256= prefix", gotSig)
	}

	want := signHMAC(gotBody, secret)
	if gotSig != "sha256="+want {
		t.Fatalf("signature mismatch: got %q want sha256=%s", gotSig, want)
	}
}

func TestDispatcherDeliverNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher()
	_, err := d.Deliver(context.Background(), srv.URL, "", types.WebhookPayload{Event: types.EventJobFailed})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		mask  []string
		event types.EventType
		want  bool
	}{
		{[]string{"*"}, types.EventCommitCreated, true},
		{[]string{"commit.created"}, types.EventCommitCreated, true},
		{[]string{"ref.updated"}, types.EventCommitCreated, false},
		{nil, types.EventCommitCreated, false},
	}
	for _, c := range cases {
		if got := Matches(c.mask, c.event); got != c.want {
			t.Errorf("Matches(%v, %s) = %v, want %v", c.mask, c.event, got, c.want)
		}
	}
}
