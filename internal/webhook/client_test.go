package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func newTestClient(maxAttempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    maxAttempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
}

func TestSend_SignedThumbnailEvent(t *testing.T) {
	var (
		gotSig      string
		gotTS       string
		gotEvt      string
		gotDelivery string
		gotBody     []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := ThumbnailEvent{
		IngestID:      "ing-1",
		ArtifactName:  "00112233445566778899aabbccddeeff.jpg",
		ThumbnailName: "00112233445566778899aabbccddeeff_thumb.jpg",
		Status:        "complete",
		OccurredAt:    time.Now().UTC().Truncate(time.Second),
	}

	if err := newTestClient(1).Send(context.Background(), srv.URL, EventThumbnailCompleted, sent); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotEvt != EventThumbnailCompleted {
		t.Fatalf("event header = %q, want %q", gotEvt, EventThumbnailCompleted)
	}
	if gotDelivery == "" {
		t.Fatal("expected a delivery id header")
	}
	if gotTS == "" {
		t.Fatal("expected a timestamp header")
	}
	if !Verify("test-secret", gotTS, gotBody, gotSig) {
		t.Fatal("signature does not verify against the received body")
	}

	var received ThumbnailEvent
	if err := json.Unmarshal(gotBody, &received); err != nil {
		t.Fatalf("unmarshal delivered body: %v", err)
	}
	if received != sent {
		t.Fatalf("delivered event = %+v, want %+v", received, sent)
	}
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(3).Send(context.Background(), srv.URL, EventThumbnailFailed, ThumbnailEvent{
		IngestID:     "ing-2",
		ArtifactName: "ffffffffffffffffffffffffffffffff.png",
		Status:       "thumbnail_failed",
		Error:        "artifact not found",
	})
	if err != nil {
		t.Fatalf("send should succeed on the third attempt, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("endpoint hit %d times, want 3", got)
	}
}

func TestSend_GivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(2).Send(context.Background(), srv.URL, EventThumbnailFailed, ThumbnailEvent{})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("endpoint hit %d times, want 2", got)
	}
}

func TestSend_EmptyEndpointIsNoOp(t *testing.T) {
	if err := newTestClient(1).Send(context.Background(), "  ", EventThumbnailCompleted, ThumbnailEvent{}); err != nil {
		t.Fatalf("empty endpoint should be a no-op, got %v", err)
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	body := []byte(`{"ingest_id":"ing-3"}`)
	ts := "1756166400"

	c := newTestClient(1)
	sig := c.sign(ts, body)

	if !Verify("test-secret", ts, body, sig) {
		t.Fatal("signature should verify for the original body")
	}
	if Verify("test-secret", ts, []byte(`{"ingest_id":"ing-evil"}`), sig) {
		t.Error("signature should not verify for a tampered body")
	}
	if Verify("test-secret", "1756166401", body, sig) {
		t.Error("signature should not verify for a tampered timestamp")
	}
	if Verify("wrong-secret", ts, body, sig) {
		t.Error("signature should not verify under a different secret")
	}
}
