// Command gatewayd wires the write-side of the pipeline: authorization
// middleware, MessageService.send, the storage facade, and the
// participant cache (spec 2's data-flow diagram), in the teacher's
// grouped-flags binary shape (examples/word-count/wordcountctl/main.go).
// HTTP routing glue is explicitly out of scope (spec section 1); this
// binary wires the collaborators a router would call into.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nyxloma/signalmesh/internal/authz"
	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/nyxloma/signalmesh/internal/cache"
	"github.com/nyxloma/signalmesh/internal/config"
	"github.com/nyxloma/signalmesh/internal/gateway"
	"github.com/nyxloma/signalmesh/internal/health"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/participants"
	"github.com/nyxloma/signalmesh/internal/shutdown"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/nyxloma/signalmesh/internal/storage/blob"
	"github.com/nyxloma/signalmesh/internal/storage/record"
	"github.com/nyxloma/signalmesh/internal/storage/stream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Opts is the CLI flag group.
var Opts = new(struct {
	Config struct {
		Path string `long:"path" env:"CONFIG_PATH" default:"/etc/signalmesh/gatewayd.yaml" description:"Path to the versioned config file."`
	} `group:"Config" namespace:"config" env-namespace:"CONFIG"`
	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Log level."`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// activeParticipantsSource is a thin fallback over the messages
// namespace until a dedicated participants table/service is wired; it
// satisfies participants.Source.
type activeParticipantsSource struct {
	facade *storage.Facade
	ns     storage.Namespace
}

func (s activeParticipantsSource) ActiveParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rec, err := s.facade.Read(ctx, storage.ObjectReference{Namespace: s.ns, ID: conversationID}, storage.ReadOptions{Consistency: storage.Strong})
	if err != nil {
		return nil, err
	}
	raw, ok := rec.Data["participantIds"].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// recordRoleSource reads the same conversation record's "roles" map
// (userId -> role string) and satisfies authz.RoleSource.
type recordRoleSource struct {
	facade *storage.Facade
	ns     storage.Namespace
}

func (s recordRoleSource) RoleOf(ctx context.Context, conversationID, userID string) (authz.Role, error) {
	rec, err := s.facade.Read(ctx, storage.ObjectReference{Namespace: s.ns, ID: conversationID}, storage.ReadOptions{Consistency: storage.Strong})
	if err != nil {
		return "", err
	}
	roles, ok := rec.Data["roles"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	role, ok := roles[userID].(string)
	if !ok {
		return "", nil
	}
	return authz.Role(role), nil
}

func main() {
	parser := flags.NewParser(Opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(Opts.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	entry := log.WithField("component", "gatewayd")

	cfg, err := config.Load(Opts.Config.Path)
	if err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to load config")
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to connect to postgres")
	}
	defer pool.Close()

	recordAdapter, err := record.New(record.Config{Pool: pool, Schema: cfg.Postgres.Schema})
	if err != nil {
		entry.WithError(err).Fatal("gatewayd: invalid schema")
	}
	if err := recordAdapter.Bootstrap(ctx); err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to bootstrap records schema")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: firstOrDefault(cfg.Redis.Addrs, "localhost:6379"), Password: cfg.Redis.Password})
	defer redisClient.Close()

	minioClient, err := minio.New(cfg.ObjectStore.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey, ""),
		Secure: cfg.ObjectStore.UseTLS,
	})
	if err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to construct object store client")
	}
	blobAdapter := blob.New(blob.Config{Client: minioClient, Bucket: cfg.ObjectStore.Bucket})

	metrics := obsv.NewRegistry()

	cacheProvider := cache.NewRedis(cache.RedisConfig{Client: redisClient, Namespace: cfg.Namespace, Logger: entry})
	if err := cacheProvider.Init(ctx); err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to start cache invalidation subscriber")
	}
	cacheManager := cache.NewManager(cache.ManagerConfig{
		Provider:        cacheProvider,
		TTLSeconds:      cfg.Cache.TTLSeconds,
		StalenessBudget: cfg.Cache.StalenessBudget,
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.Cache.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Cache.Breaker.SuccessThreshold,
			ResetTimeout:     cfg.Cache.Breaker.ResetTimeout,
		}),
		Namespace: cfg.Namespace,
		Adapter:   "record",
		Metrics:   metrics,
		Logger:    entry,
	})

	facade := storage.NewFacade(metrics, entry)
	ns := storage.Namespace(cfg.Namespace)
	facade.BindRecord(ns, recordAdapter, breaker.New(breaker.Config{}), cacheManager, nil)
	facade.BindBlob(ns+"-blobs", blobAdapter, breaker.New(breaker.Config{}), nil, nil)
	facade.BindStream(ns+"-events", stream.New(stream.Config{Client: redisClient, Logger: entry}), breaker.New(breaker.Config{}), nil)

	participantCache := participants.New(participants.Config{
		Client:  redisClient,
		Source:  activeParticipantsSource{facade: facade, ns: ns},
		Metrics: metrics,
		Logger:  entry,
	})
	if err := participantCache.Init(ctx); err != nil {
		entry.WithError(err).Fatal("gatewayd: failed to start participant invalidation subscriber")
	}

	limiter := authz.NewRateLimiter(cfg.Authz.RateLimitPerWindow, cfg.Authz.RateLimitWindow)
	middleware := authz.New(authz.Config{
		Limiter:      limiter,
		Participants: participantCache,
		Roles:        recordRoleSource{facade: facade, ns: ns},
		Logger:       entry,
		SampleRate:   cfg.Authz.SampleRate,
	})
	_ = middleware // wired for the (out-of-scope) HTTP layer to consume

	messageService := gateway.New(gateway.Config{Pool: pool, Schema: cfg.Postgres.Schema, Namespace: cfg.Namespace})
	_ = messageService // wired for the (out-of-scope) HTTP layer to consume

	readiness := health.NewFlag()
	coordinator := shutdown.New(shutdown.Config{Health: readiness, Logger: entry})
	coordinator.AddPhase("dispose_participant_cache", func(ctx context.Context) error { return participantCache.Dispose(ctx) })
	coordinator.AddPhase("dispose_cache_manager", func(ctx context.Context) error { return cacheManager.Dispose(ctx) })
	coordinator.AddPhase("dispose_cache_provider", func(ctx context.Context) error { return cacheProvider.Dispose(ctx) })

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("gatewayd: shutdown did not complete cleanly")
	}
}

func firstOrDefault(addrs []string, def string) string {
	if len(addrs) == 0 {
		return def
	}
	return addrs[0]
}
