package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BongHwi/delivery-tracker/delivery"
	"github.com/BongHwi/delivery-tracker/signature"
	"github.com/BongHwi/delivery-tracker/track"
	"github.com/BongHwi/delivery-tracker/webhook"
)

func testTrackInfo(t *testing.T) json.RawMessage {
	t.Helper()
	info := &track.Info{
		Events: []track.Event{
			{
				Time:        time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
				Status:      track.StatusAtPickup,
				Location:    "Seoul Hub",
				Description: "Picked up",
			},
			{
				Time:        time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC),
				Status:      track.StatusInTransit,
				Location:    "Daejeon Hub",
				Description: "Departed facility",
			},
		},
	}
	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal track info: %v", err)
	}
	return raw
}

func testJob(t *testing.T, url string) delivery.Job {
	t.Helper()
	prev := "3c81f2a901bd44aa"
	return delivery.Job{
		WebhookRegistrationID: "reg-1",
		CallbackURL:           url,
		TrackInfo:             testTrackInfo(t),
		PreviousChecksum:      &prev,
		CurrentChecksum:       "9f02ce7d10e855bc",
	}
}

func TestSenderHappyPath(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		receivedBody = bodyBytes
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sender := delivery.NewSender(5*time.Second, "")
	job := testJob(t, srv.URL)

	before := time.Now().UTC()
	result := sender.Send(context.Background(), job, 1)

	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if result.Response != `{"ok":true}` {
		t.Errorf("Response = %q", result.Response)
	}
	if result.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", result.Duration)
	}
	if result.RequestBody == "" {
		t.Error("RequestBody is empty")
	}

	if got := receivedHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := receivedHeaders.Get("User-Agent"); got != "delivery-tracker-webhook/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := receivedHeaders.Get("X-Webhook-Id"); got != "reg-1" {
		t.Errorf("X-Webhook-Id = %q", got)
	}
	if got := receivedHeaders.Get("X-Webhook-Attempt"); got != "1" {
		t.Errorf("X-Webhook-Attempt = %q", got)
	}
	if got := receivedHeaders.Get("X-Webhook-Signature"); got != "" {
		t.Errorf("X-Webhook-Signature set without a secret: %q", got)
	}

	var payload delivery.Payload
	if err := json.Unmarshal(receivedBody, &payload); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if payload.WebhookID != "reg-1" {
		t.Errorf("webhookId = %q", payload.WebhookID)
	}
	if payload.Metadata.CurrentChecksum != "9f02ce7d10e855bc" {
		t.Errorf("metadata.currentChecksum = %q", payload.Metadata.CurrentChecksum)
	}
	if payload.Metadata.PreviousChecksum == nil || *payload.Metadata.PreviousChecksum != "3c81f2a901bd44aa" {
		t.Errorf("metadata.previousChecksum = %v", payload.Metadata.PreviousChecksum)
	}
	if payload.Metadata.DeliveredAt.Before(before.Add(-time.Second)) {
		t.Errorf("metadata.deliveredAt = %v, want near %v", payload.Metadata.DeliveredAt, before)
	}

	var info track.Info
	if err := json.Unmarshal(payload.TrackingData, &info); err != nil {
		t.Fatalf("unmarshal trackingData: %v", err)
	}
	if len(info.Events) != 2 || info.Events[1].Status != track.StatusInTransit {
		t.Errorf("trackingData events = %+v", info.Events)
	}
}

func TestSenderSignsWhenSecretSet(t *testing.T) {
	const secret = "whsec_test_0123456789"

	var receivedHeaders http.Header
	var receivedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := delivery.NewSender(5*time.Second, secret)
	result := sender.Send(context.Background(), testJob(t, srv.URL), 2)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	sig := receivedHeaders.Get("X-Webhook-Signature")
	if !strings.HasPrefix(sig, "v1=") {
		t.Fatalf("X-Webhook-Signature = %q, want v1= prefix", sig)
	}
	tsHeader := receivedHeaders.Get("X-Webhook-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		t.Fatalf("X-Webhook-Timestamp = %q: %v", tsHeader, err)
	}
	if !signature.Verify(receivedBody, secret, ts, sig) {
		t.Error("signature does not verify against the received body")
	}
	if got := receivedHeaders.Get("X-Webhook-Attempt"); got != "2" {
		t.Errorf("X-Webhook-Attempt = %q", got)
	}
}

func TestSenderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := delivery.NewSender(50*time.Millisecond, "")
	result := sender.Send(context.Background(), testJob(t, srv.URL), 1)

	if result.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for timeout", result.StatusCode)
	}
	if result.Error == "" {
		t.Error("expected a transport error")
	}
	if result.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", result.Duration)
	}
}

func TestSenderConnectionRefused(t *testing.T) {
	sender := delivery.NewSender(2*time.Second, "")
	result := sender.Send(context.Background(), testJob(t, "http://127.0.0.1:1"), 1)

	if result.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for connection error", result.StatusCode)
	}
	if result.Error == "" {
		t.Error("expected a transport error")
	}
}

func TestSenderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	sender := delivery.NewSender(5*time.Second, "")
	result := sender.Send(context.Background(), testJob(t, srv.URL), 1)

	if result.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", result.StatusCode)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty for a completed HTTP exchange", result.Error)
	}
	if result.Response != "upstream exploded" {
		t.Errorf("Response = %q", result.Response)
	}
}

func TestSenderTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", 4*webhook.MaxResponseBodyBytes)))
	}))
	defer srv.Close()

	sender := delivery.NewSender(5*time.Second, "")
	result := sender.Send(context.Background(), testJob(t, srv.URL), 1)

	if len(result.Response) != webhook.MaxResponseBodyBytes {
		t.Errorf("len(Response) = %d, want %d", len(result.Response), webhook.MaxResponseBodyBytes)
	}
}

func TestSenderOmitsNilPreviousChecksum(t *testing.T) {
	var receivedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := testJob(t, srv.URL)
	job.PreviousChecksum = nil

	sender := delivery.NewSender(5*time.Second, "")
	if result := sender.Send(context.Background(), job, 1); result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(receivedBody, &raw); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(raw["metadata"], &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if _, ok := meta["previousChecksum"]; ok {
		t.Error("previousChecksum should be omitted when nil")
	}
}
