package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCollection is the Mongo collection holding token records.
const DefaultCollection = "access_tokens"

// DatabaseProvider hands out the shared Mongo database, connecting on first use.
type DatabaseProvider interface {
	Database(ctx context.Context) (*mongo.Database, error)
}

type usageDoc struct {
	UsedAt    time.Time `bson:"usedAt"`
	UserAgent string    `bson:"userAgent,omitempty"`
	IPAddress string    `bson:"ipAddress,omitempty"`
}

type tokenDoc struct {
	ID           string     `bson:"_id"`
	TokenHash    string     `bson:"tokenHash"`
	CreatedAt    time.Time  `bson:"createdAt"`
	ExpiresAt    time.Time  `bson:"expiresAt"`
	IsUsed       bool       `bson:"isUsed"`
	UsedAt       *time.Time `bson:"usedAt,omitempty"`
	UsageCount   int        `bson:"usageCount"`
	LastUsedAt   *time.Time `bson:"lastUsedAt,omitempty"`
	UsageHistory []usageDoc `bson:"usageHistory"`
}

func toDoc(t AccessToken) tokenDoc {
	d := tokenDoc{
		ID:           t.ID,
		TokenHash:    t.TokenHash,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		IsUsed:       t.IsUsed,
		UsedAt:       t.UsedAt,
		UsageCount:   t.UsageCount,
		LastUsedAt:   t.LastUsedAt,
		UsageHistory: make([]usageDoc, 0, len(t.Usage)),
	}
	for _, u := range t.Usage {
		d.UsageHistory = append(d.UsageHistory, usageDoc(u))
	}
	return d
}

func (d tokenDoc) model() AccessToken {
	t := AccessToken{
		ID:         d.ID,
		TokenHash:  d.TokenHash,
		CreatedAt:  d.CreatedAt.UTC(),
		ExpiresAt:  d.ExpiresAt.UTC(),
		IsUsed:     d.IsUsed,
		UsedAt:     utcPtr(d.UsedAt),
		UsageCount: d.UsageCount,
		LastUsedAt: utcPtr(d.LastUsedAt),
	}
	for _, u := range d.UsageHistory {
		t.Usage = append(t.Usage, Usage{UsedAt: u.UsedAt.UTC(), UserAgent: u.UserAgent, IPAddress: u.IPAddress})
	}
	return t
}

// MongoStore persists tokens in a MongoDB collection.
type MongoStore struct {
	db         DatabaseProvider
	collection string
}

// MongoOption configures MongoStore.
type MongoOption func(*MongoStore) error

// WithCollection overrides the collection name.
func WithCollection(name string) MongoOption {
	return func(s *MongoStore) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return ErrInvalidInput
		}
		s.collection = name
		return nil
	}
}

// NewMongoStore constructs a MongoStore on top of a shared database handle.
func NewMongoStore(db DatabaseProvider, opts ...MongoOption) (*MongoStore, error) {
	st := &MongoStore{db: db, collection: DefaultCollection}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.db == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *MongoStore) coll(ctx context.Context) (*mongo.Collection, error) {
	db, err := s.db.Database(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(s.collection), nil
}

// EnsureIndexes creates the unique digest index and the expiry index used by cleanup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	c, err := s.coll(ctx)
	if err != nil {
		return err
	}
	_, err = c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tokenHash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, t AccessToken) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.TokenHash) == "" {
		return ErrInvalidInput
	}
	c, err := s.coll(ctx)
	if err != nil {
		return err
	}
	_, err = c.InsertOne(ctx, toDoc(t))
	return err
}

func (s *MongoStore) GetByHash(ctx context.Context, tokenHash string) (AccessToken, error) {
	c, err := s.coll(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	var d tokenDoc
	if err := c.FindOne(ctx, bson.M{"tokenHash": tokenHash}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return AccessToken{}, ErrNotFound
		}
		return AccessToken{}, err
	}
	return d.model(), nil
}

func (s *MongoStore) RecordUse(ctx context.Context, in UseRecord) (AccessToken, error) {
	if strings.TrimSpace(in.TokenHash) == "" {
		return AccessToken{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	c, err := s.coll(ctx)
	if err != nil {
		return AccessToken{}, err
	}

	usage := in.Usage
	if usage.UsedAt.IsZero() {
		usage.UsedAt = in.Now
	}

	filter := bson.M{
		"tokenHash": in.TokenHash,
		"expiresAt": bson.M{"$gt": in.Now},
	}
	set := bson.M{"lastUsedAt": in.Now}
	if in.Consume {
		filter["isUsed"] = false
		set["isUsed"] = true
		set["usedAt"] = in.Now
	}
	update := bson.M{
		"$push": bson.M{"usageHistory": usageDoc(usage)},
		"$inc":  bson.M{"usageCount": 1},
		"$set":  set,
	}

	var d tokenDoc
	err = c.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		return d.model(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return AccessToken{}, err
	}

	cur, getErr := s.GetByHash(ctx, in.TokenHash)
	if getErr != nil {
		return AccessToken{}, getErr
	}
	return AccessToken{}, classifyMiss(cur, in.Consume, in.Now)
}

func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	c, err := s.coll(ctx)
	if err != nil {
		return 0, err
	}
	res, err := c.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": now}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
