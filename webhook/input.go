package webhook

import (
	"net/url"
	"strings"
	"time"
)

// MaxExpirationWindow bounds how far in the future a registration may expire.
const MaxExpirationWindow = 30 * 24 * time.Hour

// Input is the registration payload received from the API layer.
type Input struct {
	// CarrierID names the carrier. Must be known to the carrier registry.
	CarrierID string `json:"carrierId"`

	// TrackingNumber is the carrier's tracking number.
	TrackingNumber string `json:"trackingNumber"`

	// CallbackURL is the absolute http(s) URL to notify.
	CallbackURL string `json:"callbackUrl"`

	// ExpirationTime is when monitoring stops. Must be in the future and at
	// most MaxExpirationWindow from now.
	ExpirationTime time.Time `json:"expirationTime"`
}

// ValidationError indicates invalid registration input. Err, when set,
// carries the underlying sentinel so callers can match with errors.Is.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return "webhook validation: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// privateHostPrefixes is a coarse textual check for private callback hosts.
// The "172." prefix over-rejects public 172.x space (it is meant for
// 172.16.0.0/12); tightening it to CIDR matching would change observable
// behavior and is left as a documented improvement.
var privateHostPrefixes = []string{"10.", "172.", "192.168."}

// Validate checks the input against the registration rules. production
// additionally rejects loopback and private callback hosts. Returns a
// *ValidationError on the first violation.
func (in Input) Validate(now time.Time, production bool) error {
	if strings.TrimSpace(in.CarrierID) == "" {
		return &ValidationError{Field: "carrierId", Message: "required"}
	}
	if strings.TrimSpace(in.TrackingNumber) == "" {
		return &ValidationError{Field: "trackingNumber", Message: "required"}
	}

	u, err := url.Parse(in.CallbackURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "callbackUrl", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "callbackUrl", Message: "scheme must be http or https"}
	}
	if production && privateHost(u.Hostname()) {
		return &ValidationError{Field: "callbackUrl", Message: "private or loopback hosts are not allowed"}
	}

	if in.ExpirationTime.IsZero() {
		return &ValidationError{Field: "expirationTime", Message: "required"}
	}
	if !in.ExpirationTime.After(now) {
		return &ValidationError{Field: "expirationTime", Message: "must be in the future"}
	}
	if in.ExpirationTime.After(now.Add(MaxExpirationWindow)) {
		return &ValidationError{Field: "expirationTime", Message: "must be within 30 days"}
	}

	return nil
}

func privateHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || h == "127.0.0.1" {
		return true
	}
	for _, prefix := range privateHostPrefixes {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}
