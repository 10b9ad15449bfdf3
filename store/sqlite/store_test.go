package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BongHwi/delivery-tracker/internal/entity"
	"github.com/BongHwi/delivery-tracker/webhook"
)

func ctx() context.Context { return context.Background() }

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(ctx()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newRegistration(id string) *webhook.Registration {
	return &webhook.Registration{
		Entity:         entity.New(),
		ID:             id,
		CarrierID:      "kr.cjlogistics",
		TrackingNumber: "100000001",
		CallbackURL:    "https://hooks.example.com/parcel",
		ExpirationTime: time.Now().UTC().Add(24 * time.Hour),
		Active:         true,
	}
}

func TestOpenMigratePing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := s.Migrate(ctx()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(ctx()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
}

func TestCreateAndFindByID(t *testing.T) {
	s := setupStore(t)

	reg := newRegistration("r1")
	if err := s.Create(ctx(), reg); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindByID(ctx(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected registration")
	}
	if got.CarrierID != "kr.cjlogistics" || got.TrackingNumber != "100000001" {
		t.Fatalf("unexpected registration: %+v", got)
	}
	if !got.Active {
		t.Fatal("expected active registration")
	}
	if got.LastChecksum != nil || got.LastCheckedAt != nil || got.LastError != nil {
		t.Fatalf("nullable fields should roundtrip as nil: %+v", got)
	}
	if got.ExpirationTime.Sub(reg.ExpirationTime).Abs() > time.Second {
		t.Fatalf("ExpirationTime = %v, want ~%v", got.ExpirationTime, reg.ExpirationTime)
	}

	absent, err := s.FindByID(ctx(), "no-such-id")
	if err != nil || absent != nil {
		t.Fatalf("FindByID(absent) = %v, %v; want nil, nil", absent, err)
	}
}

func TestFindActiveOrdering(t *testing.T) {
	s := setupStore(t)

	recent := time.Now().UTC().Add(-time.Minute)
	older := time.Now().UTC().Add(-time.Hour)

	checkedRecently := newRegistration("recent")
	checkedRecently.LastCheckedAt = &recent
	checkedLongAgo := newRegistration("older")
	checkedLongAgo.LastCheckedAt = &older
	neverChecked := newRegistration("never")
	inactive := newRegistration("inactive")
	inactive.Active = false

	for _, reg := range []*webhook.Registration{checkedRecently, checkedLongAgo, neverChecked, inactive} {
		if err := s.Create(ctx(), reg); err != nil {
			t.Fatal(err)
		}
	}

	regs, err := s.FindActive(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 3 {
		t.Fatalf("len = %d, want 3", len(regs))
	}
	want := []string{"never", "older", "recent"}
	for i, id := range want {
		if regs[i].ID != id {
			t.Errorf("regs[%d].ID = %s, want %s", i, regs[i].ID, id)
		}
	}
}

func TestFindDueForCheck(t *testing.T) {
	s := setupStore(t)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC().Add(-time.Minute)

	neverChecked := newRegistration("never")
	staleReg := newRegistration("stale")
	staleReg.LastCheckedAt = &stale
	freshReg := newRegistration("fresh")
	freshReg.LastCheckedAt = &fresh
	inactive := newRegistration("inactive")
	inactive.Active = false

	for _, reg := range []*webhook.Registration{neverChecked, staleReg, freshReg, inactive} {
		if err := s.Create(ctx(), reg); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.FindDueForCheck(ctx(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("len = %d, want 2 (never + stale)", len(due))
	}
	if due[0].ID != "never" || due[1].ID != "stale" {
		t.Errorf("due = [%s %s], want [never stale]", due[0].ID, due[1].ID)
	}

	limited, err := s.FindDueForCheck(ctx(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "never" {
		t.Fatalf("limited = %+v, want just never", limited)
	}
}

func TestUpdatePatch(t *testing.T) {
	s := setupStore(t)

	reg := newRegistration("r1")
	if err := s.Create(ctx(), reg); err != nil {
		t.Fatal(err)
	}

	sum := "9f02ce7d10e855bc"
	at := time.Now().UTC()
	if err := s.Update(ctx(), "r1", webhook.Patch{LastChecksum: &sum, LastCheckedAt: &at}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.FindByID(ctx(), "r1")
	if got.LastChecksum == nil || *got.LastChecksum != sum {
		t.Errorf("LastChecksum = %v, want %q", got.LastChecksum, sum)
	}
	if got.LastCheckedAt == nil {
		t.Error("LastCheckedAt not set")
	}
	// Untouched fields survive a partial patch.
	if got.CallbackURL != reg.CallbackURL {
		t.Errorf("CallbackURL = %q, changed by patch", got.CallbackURL)
	}

	long := strings.Repeat("x", webhook.MaxLastErrorBytes+500)
	if err := s.Update(ctx(), "r1", webhook.Patch{LastError: &long}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindByID(ctx(), "r1")
	if got.LastError == nil || len(*got.LastError) != webhook.MaxLastErrorBytes {
		t.Errorf("LastError length = %d, want %d", len(stringOr(got.LastError)), webhook.MaxLastErrorBytes)
	}

	// ClearLastError wins over LastError in the same patch.
	msg := "should not stick"
	if err := s.Update(ctx(), "r1", webhook.Patch{LastError: &msg, ClearLastError: true}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindByID(ctx(), "r1")
	if got.LastError != nil {
		t.Errorf("LastError = %q, want nil", *got.LastError)
	}

	if err := s.Update(ctx(), "absent", webhook.Patch{ClearLastError: true}); !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("Update(absent) = %v, want ErrNotFound", err)
	}
}

func TestDeactivateAndExpired(t *testing.T) {
	s := setupStore(t)

	reg := newRegistration("r1")
	if err := s.Create(ctx(), reg); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx(), "r1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.FindByID(ctx(), "r1")
	if got.Active {
		t.Fatal("expected deactivated registration")
	}
	// Idempotent, including for unknown IDs.
	if err := s.Deactivate(ctx(), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx(), "absent"); err != nil {
		t.Fatal(err)
	}

	expired := newRegistration("expired")
	expired.ExpirationTime = time.Now().UTC().Add(-time.Hour)
	live := newRegistration("live")
	for _, r := range []*webhook.Registration{expired, live} {
		if err := s.Create(ctx(), r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeactivateExpired(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("DeactivateExpired = %d, want 1", n)
	}
	got, _ = s.FindByID(ctx(), "live")
	if !got.Active {
		t.Fatal("live registration should stay active")
	}
}

func TestIncrementDeliveryAttempts(t *testing.T) {
	s := setupStore(t)

	reg := newRegistration("r1")
	if err := s.Create(ctx(), reg); err != nil {
		t.Fatal(err)
	}

	got, err := s.IncrementDeliveryAttempts(ctx(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryAttempts != 1 {
		t.Fatalf("DeliveryAttempts = %d, want 1", got.DeliveryAttempts)
	}
	if got.LastDeliveryAt == nil {
		t.Fatal("LastDeliveryAt not stamped")
	}

	got, err = s.IncrementDeliveryAttempts(ctx(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryAttempts != 2 {
		t.Fatalf("DeliveryAttempts = %d, want 2", got.DeliveryAttempts)
	}

	if _, err := s.IncrementDeliveryAttempts(ctx(), "absent"); !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("IncrementDeliveryAttempts(absent) = %v, want ErrNotFound", err)
	}
}

func TestDeliveryLogs(t *testing.T) {
	s := setupStore(t)

	reg := newRegistration("r1")
	if err := s.Create(ctx(), reg); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	code := 500
	for i := 1; i <= 3; i++ {
		log := &webhook.DeliveryLog{
			WebhookRegistrationID: "r1",
			AttemptNumber:         i,
			Success:               i == 3,
			RequestBody:           `{"webhookId":"r1"}`,
			DeliveredAt:           base.Add(time.Duration(i) * time.Minute),
		}
		if i < 3 {
			log.StatusCode = &code
			log.ErrorMessage = "HTTP 500"
		} else {
			ok := 200
			log.StatusCode = &ok
		}
		if err := s.LogDelivery(ctx(), log); err != nil {
			t.Fatal(err)
		}
		if log.ID == "" {
			t.Fatal("log ID not assigned")
		}
	}
	// A transport failure has no status code.
	noCode := &webhook.DeliveryLog{
		WebhookRegistrationID: "r2",
		AttemptNumber:         1,
		ErrorMessage:          "connection refused",
		ResponseBody:          strings.Repeat("y", webhook.MaxResponseBodyBytes+100),
		DeliveredAt:           base,
	}
	if err := s.LogDelivery(ctx(), noCode); err != nil {
		t.Fatal(err)
	}

	logs, err := s.GetDeliveryLogs(ctx(), "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	// Newest first.
	if logs[0].AttemptNumber != 3 || !logs[0].Success {
		t.Fatalf("logs[0] = %+v, want the successful third attempt", logs[0])
	}
	if logs[0].StatusCode == nil || *logs[0].StatusCode != 200 {
		t.Errorf("logs[0].StatusCode = %v, want 200", logs[0].StatusCode)
	}

	limited, err := s.GetDeliveryLogs(ctx(), "r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("len = %d, want 2", len(limited))
	}

	other, err := s.GetDeliveryLogs(ctx(), "r2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Fatalf("len = %d, want 1", len(other))
	}
	if other[0].StatusCode != nil {
		t.Errorf("StatusCode = %v, want nil", *other[0].StatusCode)
	}
	if len(other[0].ResponseBody) != webhook.MaxResponseBodyBytes {
		t.Errorf("ResponseBody length = %d, want %d", len(other[0].ResponseBody), webhook.MaxResponseBodyBytes)
	}
}

func stringOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
