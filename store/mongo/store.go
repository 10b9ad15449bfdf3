// Package mongo implements the registration store on MongoDB via the
// official v2 driver.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BongHwi/delivery-tracker/webhook"
)

// Collection name constants.
const (
	colRegistrations = "webhook_registrations"
	colDeliveryLogs  = "webhook_delivery_logs"
)

// defaultDatabase is used when the connection URI carries no database path.
const defaultDatabase = "delivery_tracker"

var _ webhook.Store = (*Store)(nil)

// Store implements the registration store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New wraps an existing client. The database name is taken as given.
func New(client *mongo.Client, database string) *Store {
	if database == "" {
		database = defaultDatabase
	}
	return &Store{client: client, db: client.Database(database)}
}

// Open connects to the MongoDB deployment at uri. The database name is read
// from the URI path (mongodb://host:27017/mydb) and defaults to
// "delivery_tracker" when absent. The connection is established lazily; call
// Ping to verify it.
func Open(uri string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	return New(client, databaseName(uri)), nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate creates the required indexes. MongoDB index builds are idempotent,
// so repeated calls are safe.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from the deployment.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ──────────────────────────────────────────────────
// Registrations
// ──────────────────────────────────────────────────

func (s *Store) Create(ctx context.Context, reg *webhook.Registration) error {
	if _, err := s.registrations().InsertOne(ctx, toRegistrationDoc(reg)); err != nil {
		return fmt.Errorf("mongo: create registration: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*webhook.Registration, error) {
	var doc registrationDoc
	err := s.registrations().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: find registration %s: %w", id, err)
	}
	return fromRegistrationDoc(&doc), nil
}

func (s *Store) FindActive(ctx context.Context) ([]*webhook.Registration, error) {
	// BSON orders null before any date in ascending sorts, so never-checked
	// registrations come first without an explicit clause.
	cur, err := s.registrations().Find(ctx, bson.M{"active": true},
		options.Find().SetSort(bson.D{{Key: "last_checked_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find active registrations: %w", err)
	}
	regs, err := decodeRegistrations(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode active registrations: %w", err)
	}
	return regs, nil
}

func (s *Store) FindDueForCheck(ctx context.Context, limit int) ([]*webhook.Registration, error) {
	cutoff := now().Add(-webhook.FreshnessWindow)
	// A nil filter value matches both missing and null fields, covering
	// registrations that have never been checked.
	filter := bson.M{
		"active": true,
		"$or": bson.A{
			bson.M{"last_checked_at": nil},
			bson.M{"last_checked_at": bson.M{"$lt": cutoff}},
		},
	}

	opts := options.Find().SetSort(bson.D{{Key: "last_checked_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.registrations().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find due registrations: %w", err)
	}
	regs, err := decodeRegistrations(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode due registrations: %w", err)
	}
	return regs, nil
}

func (s *Store) Update(ctx context.Context, id string, patch webhook.Patch) error {
	set := bson.M{"updated_at": now()}
	update := bson.M{"$set": set}

	if patch.LastChecksum != nil {
		set["last_checksum"] = *patch.LastChecksum
	}
	if patch.LastCheckedAt != nil {
		set["last_checked_at"] = patch.LastCheckedAt.UTC()
	}
	if patch.ClearLastError {
		update["$unset"] = bson.M{"last_error": ""}
	} else if patch.LastError != nil {
		set["last_error"] = webhook.TruncateBytes(*patch.LastError, webhook.MaxLastErrorBytes)
	}
	if patch.LastDeliveryAt != nil {
		set["last_delivery_at"] = patch.LastDeliveryAt.UTC()
	}

	res, err := s.registrations().UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("mongo: update registration %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	_, err := s.registrations().UpdateOne(ctx,
		bson.M{"_id": id, "active": true},
		bson.M{"$set": bson.M{"active": false, "updated_at": now()}})
	if err != nil {
		return fmt.Errorf("mongo: deactivate registration %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeactivateExpired(ctx context.Context) (int64, error) {
	t := now()
	res, err := s.registrations().UpdateMany(ctx,
		bson.M{"active": true, "expiration_time": bson.M{"$lte": t}},
		bson.M{"$set": bson.M{"active": false, "updated_at": t}})
	if err != nil {
		return 0, fmt.Errorf("mongo: deactivate expired registrations: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) IncrementDeliveryAttempts(ctx context.Context, id string) (*webhook.Registration, error) {
	t := now()
	res := s.registrations().FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"delivery_attempts": 1},
			"$set": bson.M{"last_delivery_at": t, "updated_at": t},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After))

	var doc registrationDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, webhook.ErrNotFound
		}
		return nil, fmt.Errorf("mongo: increment delivery attempts %s: %w", id, err)
	}
	return fromRegistrationDoc(&doc), nil
}

// ──────────────────────────────────────────────────
// Delivery logs
// ──────────────────────────────────────────────────

func (s *Store) LogDelivery(ctx context.Context, log *webhook.DeliveryLog) error {
	doc := toDeliveryLogDoc(log)
	if _, err := s.deliveryLogs().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo: log delivery: %w", err)
	}
	log.ID = doc.ID.Hex()
	return nil
}

func (s *Store) GetDeliveryLogs(ctx context.Context, registrationID string, limit int) ([]*webhook.DeliveryLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "delivered_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.deliveryLogs().Find(ctx, bson.M{"webhook_registration_id": registrationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find delivery logs: %w", err)
	}

	var docs []deliveryLogDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode delivery logs: %w", err)
	}
	logs := make([]*webhook.DeliveryLog, 0, len(docs))
	for i := range docs {
		logs = append(logs, fromDeliveryLogDoc(&docs[i]))
	}
	return logs, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (s *Store) registrations() *mongo.Collection {
	return s.db.Collection(colRegistrations)
}

func (s *Store) deliveryLogs() *mongo.Collection {
	return s.db.Collection(colDeliveryLogs)
}

func decodeRegistrations(ctx context.Context, cur *mongo.Cursor) ([]*webhook.Registration, error) {
	var docs []registrationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	regs := make([]*webhook.Registration, 0, len(docs))
	for i := range docs {
		regs = append(regs, fromRegistrationDoc(&docs[i]))
	}
	return regs, nil
}

// databaseName extracts the database from a connection URI path, falling
// back to the default when the path is empty.
func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return defaultDatabase
	}
	return name
}

// migrationIndexes returns the index definitions per collection.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colRegistrations: {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "last_checked_at", Value: 1}}},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "expiration_time", Value: 1}}},
			{Keys: bson.D{{Key: "carrier_id", Value: 1}, {Key: "tracking_number", Value: 1}}},
		},
		colDeliveryLogs: {
			{Keys: bson.D{{Key: "webhook_registration_id", Value: 1}, {Key: "delivered_at", Value: -1}}},
			{Keys: bson.D{{Key: "delivered_at", Value: 1}}},
		},
	}
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}
