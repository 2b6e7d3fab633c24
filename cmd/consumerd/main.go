// Command consumerd runs the broker-stream Consumer (spec 4.9)
// standalone, in the teacher's grouped-flags binary shape
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
	"github.com/nyxloma/signalmesh/internal/delivery"
	"github.com/nyxloma/signalmesh/internal/health"
	"github.com/nyxloma/signalmesh/internal/hub"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/shutdown"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/nyxloma/signalmesh/internal/storage/stream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Opts is the CLI flag group.
var Opts = new(struct {
	Config struct {
		Path string `long:"path" env:"CONFIG_PATH" default:"/etc/signalmesh/consumerd.yaml" description:"Path to the versioned config file."`
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
	entry := log.WithField("component", "consumerd")

	cfg, err := config.Load(Opts.Config.Path)
	if err != nil {
		entry.WithError(err).Fatal("consumerd: failed to load config")
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		entry.WithError(err).Fatal("consumerd: failed to connect to postgres")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: firstOrDefault(cfg.Redis.Addrs, "localhost:6379"), Password: cfg.Redis.Password})
	defer redisClient.Close()

	metrics := obsv.NewRegistry()
	streamAdapter := stream.New(stream.Config{Client: redisClient, Logger: entry})

	dlqWriter := delivery.NewDLQWriter(delivery.DLQWriterConfig{
		Pool:   pool,
		Schema: cfg.Postgres.Schema,
		Breaker: breaker.New(breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second}),
		Logger: entry,
		OnWriteFail: func() { metrics.ConsumerFailure.WithLabelValues("dlq_write_failed").Inc() },
	})
	if err := dlqWriter.Bootstrap(ctx); err != nil {
		entry.WithError(err).Fatal("consumerd: failed to bootstrap dead_letters table")
	}

	consumer := delivery.New(delivery.Config{
		Source:             streamAdapter,
		Namespace:           storage.Namespace(cfg.Namespace),
		StreamName:          cfg.Consumer.Stream,
		Group:               cfg.Consumer.Group,
		ConsumerName:        cfg.Consumer.ConsumerName,
		BatchSize:           cfg.Consumer.BatchSize,
		BlockMs:             cfg.Consumer.BlockMs,
		PELHygieneInterval:  cfg.Consumer.PELHygieneInterval,
		QueueMax:            cfg.Consumer.QueueMax,
		DropPolicy:          delivery.DropPolicy(cfg.Consumer.DropPolicy),
		Hub:                 noopHub{log: entry},
		DLQWriter:           dlqWriter,
		Metrics:             metrics,
		Logger:              entry,
	})

	readiness := health.NewFlag()
	coordinator := shutdown.New(shutdown.Config{Health: readiness, Logger: entry})
	coordinator.AddPhase("stop_consumer", func(ctx context.Context) error {
		stopSignals()
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

	entry.Info("consumerd: running")
	if err := consumer.Run(runCtx); err != nil {
		entry.WithError(err).Error("consumerd: runner exited with error")
	}
}

// noopHub is a placeholder Hub used when this binary runs without a
// real WebSocket layer wired in (that layer is an external collaborator
// per spec section 1 and is not part of this module).
type noopHub struct {
	log *logrus.Entry
}

func (h noopHub) Broadcast(ctx context.Context, envelope hub.Envelope) error {
	h.log.WithField("message_id", envelope.Payload.Data.MessageID).Debug("consumerd: broadcast (no hub wired)")
	return nil
}

func firstOrDefault(addrs []string, def string) string {
	if len(addrs) == 0 {
		return def
	}
	return addrs[0]
}
