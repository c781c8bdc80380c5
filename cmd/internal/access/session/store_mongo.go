package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCollection is the Mongo collection holding sessions.
const DefaultCollection = "user_sessions"

// DatabaseProvider hands out the shared Mongo database, connecting on first use.
type DatabaseProvider interface {
	Database(ctx context.Context) (*mongo.Database, error)
}

type sessionDoc struct {
	ID             string    `bson:"_id"`
	TokenUsed      string    `bson:"tokenUsed"`
	CreatedAt      time.Time `bson:"createdAt"`
	ExpiresAt      time.Time `bson:"expiresAt"`
	LastAccessedAt time.Time `bson:"lastAccessedAt"`
	UserAgent      string    `bson:"userAgent,omitempty"`
	IPAddress      string    `bson:"ipAddress,omitempty"`
}

func (d sessionDoc) model() Session {
	return Session{
		ID:             d.ID,
		TokenRef:       d.TokenUsed,
		CreatedAt:      d.CreatedAt.UTC(),
		ExpiresAt:      d.ExpiresAt.UTC(),
		LastAccessedAt: d.LastAccessedAt.UTC(),
		UserAgent:      d.UserAgent,
		IPAddress:      d.IPAddress,
	}
}

// MongoStore persists sessions in MongoDB.
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

// EnsureIndexes creates the expiry index used by cleanup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	c, err := s.coll(ctx)
	if err != nil {
		return err
	}
	_, err = c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expiresAt_cleanup"),
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return ErrInvalidInput
	}
	c, err := s.coll(ctx)
	if err != nil {
		return err
	}
	_, err = c.InsertOne(ctx, sessionDoc{
		ID:             sess.ID,
		TokenUsed:      sess.TokenRef,
		CreatedAt:      sess.CreatedAt,
		ExpiresAt:      sess.ExpiresAt,
		LastAccessedAt: sess.LastAccessedAt,
		UserAgent:      sess.UserAgent,
		IPAddress:      sess.IPAddress,
	})
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (Session, error) {
	c, err := s.coll(ctx)
	if err != nil {
		return Session{}, err
	}
	var d sessionDoc
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return d.model(), nil
}

func (s *MongoStore) Touch(ctx context.Context, id string, at time.Time) error {
	c, err := s.coll(ctx)
	if err != nil {
		return err
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastAccessedAt": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	c, err := s.coll(ctx)
	if err != nil {
		return false, err
	}
	res, err := c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
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
