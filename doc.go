// Package tracker provides package-tracking webhooks for Go.
//
// tracker is a library — not a service. Import it into your application to
// let callers subscribe an HTTP callback to a shipment: the service polls
// the carrier on a schedule, detects timeline changes by checksum, and POSTs
// the new tracking data to the callback with retries and an audit log.
//
// Key pieces:
//   - Registration store with multiple backends (SQLite, Postgres, MongoDB, Memory)
//   - Durable Redis job queues: repeating polls, one-shot deliveries, hourly cleanup
//   - Change detection over a canonical-JSON SHA-256 of the event timeline
//   - Delivery retries with exponential backoff and per-attempt logs
//   - Optional HMAC-SHA256 callback signing, Prometheus metrics, OTel spans
//
// Quick start:
//
//	svc, err := tracker.New(
//	    tracker.WithConfig(tracker.FromEnv()),
//	    tracker.WithCarrier(cjLogistics),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	id, err := svc.Register(ctx, webhook.Input{
//	    CarrierID:      "kr.cjlogistics",
//	    TrackingNumber: "123456789012",
//	    CallbackURL:    "https://example.com/hooks/parcel",
//	    ExpirationTime: time.Now().Add(72 * time.Hour),
//	})
package tracker
