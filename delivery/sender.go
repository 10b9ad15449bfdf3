package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BongHwi/delivery-tracker/signature"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// DefaultTimeout bounds one callback POST end to end.
const DefaultTimeout = 30 * time.Second

// Sender performs the HTTP callback POST.
type Sender struct {
	client *http.Client
	secret string
}

// NewSender creates a sender with the given HTTP timeout. A non-empty secret
// adds an HMAC signature header to every request.
func NewSender(timeout time.Duration, secret string) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

// Send POSTs one change notification and returns the result. The request
// body is carried in the result verbatim so callers can persist it.
func (s *Sender) Send(ctx context.Context, job Job, attemptNumber int) Result {
	body, err := json.Marshal(Payload{
		WebhookID:    job.WebhookRegistrationID,
		TrackingData: job.TrackInfo,
		Metadata: Metadata{
			PreviousChecksum: job.PreviousChecksum,
			CurrentChecksum:  job.CurrentChecksum,
			DeliveredAt:      time.Now().UTC(),
		},
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("create request: %v", err), RequestBody: string(body)}
	}

	// Standard headers.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "delivery-tracker-webhook/1.0")
	req.Header.Set("X-Webhook-Id", job.WebhookRegistrationID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attemptNumber))

	// HMAC signature, when the subsystem has a signing secret.
	if s.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set("X-Webhook-Signature", signature.Sign(body, s.secret, ts))
		req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		return Result{
			Error:       err.Error(),
			RequestBody: string(body),
			Duration:    elapsed,
		}
	}
	defer resp.Body.Close()

	// Best effort: a response that cannot be read keeps its status code.
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, webhook.MaxResponseBodyBytes))
	if readErr != nil {
		return Result{
			StatusCode:  resp.StatusCode,
			Error:       fmt.Sprintf("read response: %v", readErr),
			RequestBody: string(body),
			Duration:    elapsed,
		}
	}

	return Result{
		StatusCode:  resp.StatusCode,
		Response:    string(respBody),
		RequestBody: string(body),
		Duration:    elapsed,
	}
}
