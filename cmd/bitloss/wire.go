package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/config"
	"github.com/bitloss-labs/bitloss/internal/corruption"
	"github.com/bitloss-labs/bitloss/internal/identity"
	"github.com/bitloss-labs/bitloss/internal/ledger"
	"github.com/bitloss-labs/bitloss/internal/logging"
	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/objectstore/s3store"
	supabaseobjects "github.com/bitloss-labs/bitloss/internal/objectstore/supabase"
	"github.com/bitloss-labs/bitloss/internal/store"
	"github.com/bitloss-labs/bitloss/internal/store/memory"
	"github.com/bitloss-labs/bitloss/internal/store/postgres"
	supabasestore "github.com/bitloss-labs/bitloss/internal/store/supabase"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

// deps holds the backends selected by the configuration.
type deps struct {
	cfg      config.Config
	rules    config.Rules
	logger   *logging.Logger
	store    store.Store
	objects  objectstore.Store
	ledger   *ledger.Manager
	supabase *client.Client
}

func (d *deps) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

// loadDeps reads the configuration and connects the record and object
// stores. Everything else is built by the commands that need it.
func loadDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	rules, err := config.LoadRulesOrDefault(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	if cfg.ReaperInterval > 0 {
		rules.ReaperInterval = cfg.ReaperInterval
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	d := &deps{
		cfg:    cfg,
		rules:  rules,
		logger: logging.New("bitloss", cfg.LogLevel, cfg.LogFormat),
	}

	if needsSupabase(cfg) {
		d.supabase, err = client.New(client.Config{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.ServiceKey,
			Retry:  cfg.RetryPolicy(),
		})
		if err != nil {
			return nil, fmt.Errorf("supabase client: %w", err)
		}
	}

	d.store, err = openStore(ctx, d)
	if err != nil {
		return nil, err
	}
	d.objects, err = openObjects(ctx, d)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.ledger = ledger.NewManager(d.store, ledger.WithRetryPolicy(cfg.RetryPolicy()))
	return d, nil
}

func needsSupabase(cfg config.Config) bool {
	return cfg.StoreBackend == config.BackendSupabase ||
		cfg.ObjectBackend == config.BackendSupabase ||
		cfg.IdentityBackend == config.BackendSupabase
}

func openStore(ctx context.Context, d *deps) (store.Store, error) {
	switch d.cfg.StoreBackend {
	case config.BackendSupabase:
		return supabasestore.New(d.supabase), nil
	case config.BackendPostgres:
		return postgres.Open(ctx, d.cfg.Postgres.DSN, postgres.Options{
			MaxOpenConns:    d.cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    d.cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: d.cfg.Postgres.ConnMaxLifetime,
		}, d.cfg.RetryPolicy())
	default:
		d.logger.Warn("Using the in-memory store; nothing survives a restart")
		return memory.New(), nil
	}
}

func openObjects(ctx context.Context, d *deps) (objectstore.Store, error) {
	switch d.cfg.ObjectBackend {
	case config.BackendSupabase:
		return supabaseobjects.New(d.supabase, d.cfg.Supabase.Bucket), nil
	case config.BackendS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:        d.cfg.S3.Bucket,
			Region:        d.cfg.S3.Region,
			Prefix:        d.cfg.S3.Prefix,
			Endpoint:      d.cfg.S3.Endpoint,
			AccessKey:     d.cfg.S3.AccessKey,
			SecretKey:     d.cfg.S3.SecretKey,
			PublicBaseURL: d.cfg.S3.PublicBaseURL,
		}, d.cfg.RetryPolicy())
	default:
		d.logger.Warn("Using the in-memory object store; image URLs are not served")
		return objectstore.NewMemory("memory://bitloss"), nil
	}
}

func newResolver(d *deps) (identity.Resolver, error) {
	if d.cfg.IdentityBackend == config.BackendSupabase {
		return identity.NewSupabaseResolver(d.supabase), nil
	}
	return identity.NewJWTResolver(d.cfg.Supabase.JWTSecret, "authenticated")
}

// newQueue returns the corruption queue and, for Redis, the queue itself so
// the caller can schedule reclaims.
func newQueue(d *deps, log *logrus.Entry) (corruption.Queue, *corruption.RedisQueue, error) {
	if d.cfg.QueueBackend != config.BackendRedis {
		return corruption.NewMemoryQueue(256, d.cfg.CorruptionWorkers, log), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     d.cfg.Redis.Addr,
		Password: d.cfg.Redis.Password,
		DB:       d.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	q := corruption.NewRedisQueue(rdb, corruption.RedisOptions{
		Key:     d.cfg.Redis.Queue,
		Workers: d.cfg.CorruptionWorkers,
		Policy:  d.cfg.RetryPolicy(),
	}, log)
	return q, q, nil
}

func newCodec(d *deps) (corruption.Codec, error) {
	if d.cfg.CodecURL == "" {
		d.logger.Warn("BITLOSS_CODEC_URL not set; active copies will not be degraded")
		return corruption.Passthrough{}, nil
	}
	return corruption.NewHTTPCodec(d.cfg.CodecURL, &http.Client{Timeout: 30 * time.Second}, d.cfg.RetryPolicy())
}

// ignoreCanceled treats a cancelled context as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
