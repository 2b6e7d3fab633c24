package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/sirupsen/logrus"
)

// Broker is the minimal append capability the Dispatcher needs; a
// storage.Facade bound to a stream-flavored namespace satisfies it, and
// cmd/dispatcherd passes a raw StreamAdapter through facadeBroker. It is
// narrowed here so the dispatcher doesn't depend on the whole facade.
type Broker interface {
	Publish(ctx context.Context, ns storage.Namespace, stream string, payload []byte, headers map[string]string) (storage.StreamMessage, error)
}

// Repo is the narrow batch-lease capability the Dispatcher needs from an
// OutboxRepository, narrowed the same way Broker narrows the stream
// adapter so both collaborators can be faked in tests.
type Repo interface {
	FetchBatch(ctx context.Context, limit int) ([]Row, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, reason string) error
	Bury(ctx context.Context, ids []int64, reason string) error
}

// Config parametrizes a Dispatcher.
type Config struct {
	Repo        Repo
	Broker      Broker
	Namespace   storage.Namespace
	Stream      string
	BatchSize   int // default 256
	MaxAttempts int // default 10
	Breaker     *breaker.Breaker
	Metrics     *obsv.Registry
	Logger      *logrus.Entry
}

// Dispatcher is the outbox-to-broker pump of spec 4.8.
type Dispatcher struct {
	repo        Repo
	broker      Broker
	ns          storage.Namespace
	stream      string
	batchSize   int
	maxAttempts int
	br          *breaker.Breaker
	metrics     *obsv.Registry
	log         *logrus.Entry
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		repo:        cfg.Repo,
		broker:      cfg.Broker,
		ns:          cfg.Namespace,
		stream:      cfg.Stream,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		br:          cfg.Breaker,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
	}
}

// Tick runs one dispatcher pass (spec 4.8): fetch, append per-row
// (breaker-wrapped), then split successes/failures and advance row
// status accordingly.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.TickDuration.WithLabelValues(d.stream).Observe(time.Since(start).Seconds())
		}
	}()

	rows, err := d.repo.FetchBatch(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		d.recordResult("empty")
		return nil
	}

	var sentIDs []int64
	var retryIDs []int64
	var deadIDs []int64

	for _, row := range rows {
		payload, merr := d.buildBrokerPayload(row)
		if merr != nil {
			deadIDs = append(deadIDs, row.ID)
			d.recordResult("dead")
			continue
		}

		if d.br != nil && !d.br.ShouldAllow() {
			d.classifyFailure(row, &retryIDs, &deadIDs)
			continue
		}

		_, perr := d.broker.Publish(ctx, d.ns, d.stream, payload, nil)
		if d.br != nil {
			if perr != nil {
				d.br.RecordFailure()
			} else {
				d.br.RecordSuccess()
			}
		}

		if perr != nil {
			d.log.WithError(perr).WithField("message_id", row.MessageID).Warn("outbox: publish failed")
			d.classifyFailure(row, &retryIDs, &deadIDs)
			continue
		}

		sentIDs = append(sentIDs, row.ID)
		d.recordResult("sent")
	}

	if err := d.repo.MarkSent(ctx, sentIDs); err != nil {
		return err
	}
	if err := d.repo.MarkFailed(ctx, retryIDs, "publish_failed"); err != nil {
		return err
	}
	if err := d.repo.Bury(ctx, deadIDs, "max_attempts_exceeded"); err != nil {
		return err
	}
	return nil
}

// buildBrokerPayload flattens row's stored JSON (already carrying
// messageId/conversationId/ciphertext/... from MessageService.send) with
// the broker-envelope fields v/type/eventId it doesn't know about, so
// the result is the single flat object spec section 6 names as the
// "Broker event JSON" — not row.Payload nested one level deeper under a
// "payload" key.
func (d *Dispatcher) buildBrokerPayload(row Row) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(row.Payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["v"] = 1
	fields["type"] = row.EventType
	fields["eventId"] = strconv.FormatInt(row.ID, 10)
	return json.Marshal(fields)
}

// classifyFailure splits a failed row into retry or dead buckets per
// spec 4.8 step 3 ("attempts >= maxAttempts").
func (d *Dispatcher) classifyFailure(row Row, retryIDs, deadIDs *[]int64) {
	if row.Attempts >= d.maxAttempts {
		*deadIDs = append(*deadIDs, row.ID)
		d.recordResult("dead")
		return
	}
	*retryIDs = append(*retryIDs, row.ID)
	d.recordResult("retry")
}

func (d *Dispatcher) recordResult(result string) {
	if d.metrics != nil {
		d.metrics.TickResult.WithLabelValues(d.stream, result).Inc()
	}
}

// RunnerConfig parametrizes Run.
type RunnerConfig struct {
	Cadence time.Duration // default 1s
}

// Run ticks the dispatcher every cadence until ctx is cancelled,
// catching per-tick errors so the loop never crashes (spec 4.8
// "Runner").
func (d *Dispatcher) Run(ctx context.Context, cfg RunnerConfig) error {
	cadence := cfg.Cadence
	if cadence <= 0 {
		cadence = time.Second
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.WithError(err).Error("outbox: tick failed")
			}
		}
	}
}
