// Command dispatcherd runs the outbox Dispatcher (spec 4.8) standalone,
// in the teacher's grouped-flags binary shape
// (examples/word-count/wordcountctl/main.go).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/nyxloma/signalmesh/internal/config"
	"github.com/nyxloma/signalmesh/internal/health"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/outbox"
	"github.com/nyxloma/signalmesh/internal/shutdown"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/nyxloma/signalmesh/internal/storage/stream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Opts is the CLI flag group, mirroring mbp.AddressConfig/LogConfig's
// "group"/"namespace"/"env-namespace" tagging style.
var Opts = new(struct {
	Config struct {
		Path string `long:"path" env:"CONFIG_PATH" default:"/etc/signalmesh/dispatcherd.yaml" description:"Path to the versioned config file."`
	} `group:"Config" namespace:"config" env-namespace:"CONFIG"`
	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Log level."`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	parser := flags.NewParser(Opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(Opts.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	entry := log.WithField("component", "dispatcherd")

	cfg, err := config.Load(Opts.Config.Path)
	if err != nil {
		entry.WithError(err).Fatal("dispatcherd: failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		entry.WithError(err).Fatal("dispatcherd: failed to connect to postgres")
	}
	defer pool.Close()

	repo := outbox.NewRepository(outbox.RepositoryConfig{Pool: pool, Schema: cfg.Postgres.Schema})
	if err := repo.Bootstrap(ctx); err != nil {
		entry.WithError(err).Fatal("dispatcherd: failed to bootstrap outbox schema")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: firstOrDefault(cfg.Redis.Addrs, "localhost:6379"), Password: cfg.Redis.Password})
	defer redisClient.Close()

	metrics := obsv.NewRegistry()
	streamAdapter := stream.New(stream.Config{Client: redisClient, Logger: entry})

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Dispatcher.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Dispatcher.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Dispatcher.Breaker.ResetTimeout,
	})

	dispatcher := outbox.New(outbox.Config{
		Repo:        repo,
		Broker:      facadeBroker{facade: streamAdapter},
		Namespace:   storage.Namespace(cfg.Namespace),
		Stream:      cfg.Dispatcher.Stream,
		BatchSize:   cfg.Dispatcher.BatchSize,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Breaker:     br,
		Metrics:     metrics,
		Logger:      entry,
	})

	readiness := health.NewFlag()
	coordinator := shutdown.New(shutdown.Config{Health: readiness, Logger: entry})
	coordinator.AddPhase("stop_dispatcher", func(ctx context.Context) error {
		stop()
		return nil
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		_ = coordinator.Shutdown(shutdownCtx)
		cancelRun()
	}()

	entry.Info("dispatcherd: running")
	if err := dispatcher.Run(runCtx, outbox.RunnerConfig{Cadence: cfg.Dispatcher.Cadence}); err != nil {
		entry.WithError(err).Error("dispatcherd: runner exited with error")
	}
}

// facadeBroker adapts a raw StreamAdapter to the outbox.Broker interface
// without requiring a full storage.Facade for this single-namespace
// binary.
type facadeBroker struct {
	facade storage.StreamAdapter
}

func (f facadeBroker) Publish(ctx context.Context, ns storage.Namespace, streamName string, payload []byte, headers map[string]string) (storage.StreamMessage, error) {
	return f.facade.Publish(ctx, ns, streamName, payload, headers)
}

func firstOrDefault(addrs []string, def string) string {
	if len(addrs) == 0 {
		return def
	}
	return addrs[0]
}
