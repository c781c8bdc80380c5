package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
	"voicegate/cmd/internal/dbmigrate"
	"voicegate/cmd/internal/docstore"
)

// stores bundles the persistence chosen by STORE_BACKEND together with the resources the app owns.
type stores struct {
	backend  string
	tokens   token.Store
	sessions session.Store

	pool  *pgxpool.Pool
	mongo *docstore.Handle
}

func newStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case BackendMongo:
		return newMongoStores(ctx, cfg, log)
	case BackendPostgres:
		return newPostgresStores(ctx, cfg, log)
	default:
		log.Info("db.disabled.inmemory_store")
		return &stores{
			backend:  BackendMemory,
			tokens:   token.NewInMemoryStore(),
			sessions: session.NewInMemoryStore(),
		}, nil
	}
}

func newMongoStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	h := docstore.NewHandle(docstore.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDB,
	})

	ts, err := token.NewMongoStore(h)
	if err != nil {
		return nil, err
	}
	ss, err := session.NewMongoStore(h)
	if err != nil {
		return nil, err
	}

	// Index creation needs a live server; a failure is logged and retried on the next start.
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ts.EnsureIndexes(ictx); err != nil {
		log.Warn("db.mongo.indexes.fail", "collection", "tokens", "err", err)
	}
	if err := ss.EnsureIndexes(ictx); err != nil {
		log.Warn("db.mongo.indexes.fail", "collection", "sessions", "err", err)
	}

	log.Info("db.enabled.mongo_store", "database", cfg.MongoDB)
	return &stores{backend: BackendMongo, tokens: ts, sessions: ss, mongo: h}, nil
}

func newPostgresStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	if cfg.AutoMigrate {
		if err := dbmigrate.Run(cfg.DatabaseURL, dbmigrate.DirectionUp); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("db.migrate.ok")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Ownership model: the app owns the pool; the stores never close it.
	ts, err := token.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	ss, err := session.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("db.enabled.postgres_store")
	return &stores{backend: BackendPostgres, tokens: ts, sessions: ss, pool: pool}, nil
}

// ready pings whichever database backs the stores.
func (s *stores) ready(ctx context.Context) error {
	if s.pool != nil {
		if err := PingDB(ctx, s.pool, 2*time.Second); err != nil {
			return err
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Ping(ctx, 2*time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (s *stores) Close(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.mongo != nil {
		return s.mongo.Close(ctx)
	}
	return nil
}
