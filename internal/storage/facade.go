package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/nyxloma/signalmesh/internal/cache"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
)

// Consistency selects the read path a Facade.Read call takes (spec 4.6).
type Consistency int

const (
	// Strong bypasses the cache and reads the adapter directly. Default.
	Strong Consistency = iota
	// Eventual serves a cached value up to stalenessBudgetMs old before
	// falling back to the adapter.
	Eventual
	// CacheOnly never touches the adapter; a miss returns NotFound.
	CacheOnly
)

// ReadOptions parametrizes Facade.Read.
type ReadOptions struct {
	Consistency      Consistency
	BypassCache      bool
	StalenessBudget  time.Duration // not consulted by Read; staleness is judged by the cache manager's own budget
}

// adapterEntry binds one namespace to its typed adapter and an optional
// cache manager + breaker, per the "typed namespace->adapter maps
// instead of runtime reflection" design note.
type adapterEntry struct {
	kind    AdapterKind
	record  RecordAdapter
	blob    BlobAdapter
	stream  StreamAdapter
	br      *breaker.Breaker
	cache   *cache.Manager
	retryOp *retry.Options
}

// Facade is the StorageFacade of spec 4.6: a namespace-multiplexed
// dispatcher over typed adapters, wrapping every delegate call in
// breaker-check -> timer -> tracer-span -> retry, with cache-aware reads
// and invalidate-on-write.
type Facade struct {
	adapters map[Namespace]*adapterEntry
	metrics  *obsv.Registry
	log      *logrus.Entry
}

// NewFacade constructs an empty Facade. Namespaces are bound with
// BindRecord / BindBlob / BindStream before use.
func NewFacade(metrics *obsv.Registry, log *logrus.Entry) *Facade {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Facade{adapters: make(map[Namespace]*adapterEntry), metrics: metrics, log: log}
}

// BindRecord registers a RecordAdapter for namespace, with an optional
// breaker, cache manager and retry policy.
func (f *Facade) BindRecord(ns Namespace, adapter RecordAdapter, br *breaker.Breaker, cm *cache.Manager, retryOpts *retry.Options) {
	f.adapters[ns] = &adapterEntry{kind: KindRecord, record: adapter, br: br, cache: cm, retryOp: retryOpts}
}

// BindBlob registers a BlobAdapter for namespace.
func (f *Facade) BindBlob(ns Namespace, adapter BlobAdapter, br *breaker.Breaker, cm *cache.Manager, retryOpts *retry.Options) {
	f.adapters[ns] = &adapterEntry{kind: KindBlob, blob: adapter, br: br, cache: cm, retryOp: retryOpts}
}

// BindStream registers a StreamAdapter for namespace.
func (f *Facade) BindStream(ns Namespace, adapter StreamAdapter, br *breaker.Breaker, retryOpts *retry.Options) {
	f.adapters[ns] = &adapterEntry{kind: KindStream, stream: adapter, br: br, retryOp: retryOpts}
}

// entry looks up the adapter bound to ns. A namespace nothing was ever
// bound to is apperrors.Unknown (spec 4.6); NotFound is reserved for a
// bound adapter that can't locate a specific object.
func (f *Facade) entry(ns Namespace) (*adapterEntry, error) {
	e, ok := f.adapters[ns]
	if !ok {
		return nil, apperrors.Newf(apperrors.Unknown, "unbound namespace %q", ns).WithMetadata(map[string]interface{}{"namespace": string(ns)})
	}
	return e, nil
}

func cacheKey(ns Namespace, id string) string {
	return fmt.Sprintf("%s/%s", ns, id)
}

// wrap applies the breaker-check -> timer -> tracer-span -> retry
// envelope common to every facade operation (spec 4.6).
func (f *Facade) wrap(ctx context.Context, op string, ns Namespace, e *adapterEntry, fn func(ctx context.Context) error) error {
	tr, hasTrace := trace.FromContext(ctx)
	if hasTrace {
		tr.LazyPrintf("storage: %s op=%s namespace=%s", op, op, ns)
	}

	if e.br != nil && !e.br.ShouldAllow() {
		f.recordError(op, ns, apperrors.CircuitOpen)
		return apperrors.New(apperrors.CircuitOpen, "storage circuit open")
	}

	start := time.Now()
	run := func(ctx context.Context) error {
		err := fn(ctx)
		if e.br != nil {
			if err != nil {
				e.br.RecordFailure()
			} else {
				e.br.RecordSuccess()
			}
		}
		return err
	}

	var err error
	if e.retryOp != nil {
		err = retry.Do(ctx, *e.retryOp, run)
	} else {
		err = run(ctx)
	}

	if f.metrics != nil {
		f.metrics.RequestLatency.WithLabelValues(op, adapterName(e.kind), string(ns)).Observe(time.Since(start).Seconds())
		f.metrics.RequestsTotal.WithLabelValues(op, adapterName(e.kind), string(ns), "n/a").Inc()
	}
	if err != nil {
		f.recordError(op, ns, apperrors.KindOf(err))
	}
	return err
}

func (f *Facade) recordError(op string, ns Namespace, kind apperrors.Kind) {
	if f.metrics != nil {
		f.metrics.RequestErrors.WithLabelValues(op, "", string(ns), string(kind)).Inc()
	}
}

func adapterName(k AdapterKind) string {
	switch k {
	case KindRecord:
		return "record"
	case KindBlob:
		return "blob"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Read implements the consistency-mode read path of spec 4.6 for
// record-flavored namespaces: strong reads the adapter directly;
// eventual serves a cache hit within the staleness budget before
// falling back; cache_only never touches the adapter.
func (f *Facade) Read(ctx context.Context, ref ObjectReference, opts ReadOptions) (Record, error) {
	e, err := f.entry(ref.Namespace)
	if err != nil {
		return Record{}, err
	}
	if e.kind != KindRecord {
		return Record{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not record-flavored", ref.Namespace)
	}

	key := cacheKey(ref.Namespace, ref.ID)

	fetchFromAdapter := func() (Record, error) {
		var rec Record
		err := f.wrap(ctx, "read", ref.Namespace, e, func(ctx context.Context) error {
			var innerErr error
			rec, innerErr = e.record.Get(ctx, ref)
			return innerErr
		})
		return rec, err
	}

	if opts.Consistency == Strong || opts.BypassCache || e.cache == nil {
		return fetchFromAdapter()
	}

	res, cerr := e.cache.Get(ctx, key)
	if cerr == nil && res.Found && (!res.Stale) {
		var rec Record
		if err := cache.UnmarshalValue(res.Value, &rec); err == nil {
			return rec, nil
		}
	}

	if opts.Consistency == CacheOnly {
		if cerr == nil && res.Found {
			var rec Record
			if err := cache.UnmarshalValue(res.Value, &rec); err == nil {
				return rec, nil
			}
		}
		return Record{}, apperrors.New(apperrors.NotFound, "cache_only read found no entry")
	}

	rec, err := fetchFromAdapter()
	if err != nil {
		return Record{}, err
	}
	if payload, merr := cache.MarshalValue(rec); merr == nil {
		_ = e.cache.Set(ctx, key, payload)
	}
	return rec, nil
}

// Write upserts a record and invalidates its cache entry (spec 4.6
// "invalidate-on-write").
func (f *Facade) Write(ctx context.Context, ns Namespace, rec Record, writeOpts WriteOptions) (Record, error) {
	e, err := f.entry(ns)
	if err != nil {
		return Record{}, err
	}
	if e.kind != KindRecord {
		return Record{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not record-flavored", ns)
	}

	var out Record
	err = f.wrap(ctx, "write", ns, e, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = e.record.Upsert(ctx, ns, rec, writeOpts)
		return innerErr
	})
	if err != nil {
		return Record{}, err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, cacheKey(ns, rec.ID))
	}
	return out, nil
}

// DeleteRecord removes a record and invalidates its cache entry.
func (f *Facade) DeleteRecord(ctx context.Context, ref ObjectReference, writeOpts WriteOptions) error {
	e, err := f.entry(ref.Namespace)
	if err != nil {
		return err
	}
	if e.kind != KindRecord {
		return apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not record-flavored", ref.Namespace)
	}

	err = f.wrap(ctx, "delete", ref.Namespace, e, func(ctx context.Context) error {
		return e.record.Delete(ctx, ref, writeOpts)
	})
	if err != nil {
		return err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, cacheKey(ref.Namespace, ref.ID))
	}
	return nil
}

// Query delegates to the bound RecordAdapter's cursor-paginated query.
func (f *Facade) Query(ctx context.Context, ns Namespace, q Query, pagination PaginationOptions) (Page, error) {
	e, err := f.entry(ns)
	if err != nil {
		return Page{}, err
	}
	if e.kind != KindRecord {
		return Page{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not record-flavored", ns)
	}

	var page Page
	err = f.wrap(ctx, "query", ns, e, func(ctx context.Context) error {
		var innerErr error
		page, innerErr = e.record.Query(ctx, ns, q, pagination)
		return innerErr
	})
	return page, err
}

// PutBlob delegates to the bound BlobAdapter, invalidating any cached
// metadata entry under the object's key.
func (f *Facade) PutBlob(ctx context.Context, ref ObjectReference, contentType string, body []byte) (ObjectMetadata, error) {
	e, err := f.entry(ref.Namespace)
	if err != nil {
		return ObjectMetadata{}, err
	}
	if e.kind != KindBlob {
		return ObjectMetadata{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not blob-flavored", ref.Namespace)
	}

	var meta ObjectMetadata
	err = f.wrap(ctx, "put_blob", ref.Namespace, e, func(ctx context.Context) error {
		var innerErr error
		meta, innerErr = e.blob.Put(ctx, ref, contentType, body)
		return innerErr
	})
	if err != nil {
		return ObjectMetadata{}, err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, cacheKey(ref.Namespace, ref.ID))
	}
	return meta, nil
}

// GetBlob delegates to the bound BlobAdapter.
func (f *Facade) GetBlob(ctx context.Context, ref ObjectReference) ([]byte, ObjectMetadata, error) {
	e, err := f.entry(ref.Namespace)
	if err != nil {
		return nil, ObjectMetadata{}, err
	}
	if e.kind != KindBlob {
		return nil, ObjectMetadata{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not blob-flavored", ref.Namespace)
	}

	var body []byte
	var meta ObjectMetadata
	err = f.wrap(ctx, "get_blob", ref.Namespace, e, func(ctx context.Context) error {
		var innerErr error
		body, meta, innerErr = e.blob.Get(ctx, ref)
		return innerErr
	})
	return body, meta, err
}

// DeleteBlob delegates to the bound BlobAdapter, invalidating any cached
// metadata entry.
func (f *Facade) DeleteBlob(ctx context.Context, ref ObjectReference) error {
	e, err := f.entry(ref.Namespace)
	if err != nil {
		return err
	}
	if e.kind != KindBlob {
		return apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not blob-flavored", ref.Namespace)
	}

	err = f.wrap(ctx, "delete_blob", ref.Namespace, e, func(ctx context.Context) error {
		return e.blob.Delete(ctx, ref)
	})
	if err != nil {
		return err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, cacheKey(ref.Namespace, ref.ID))
	}
	return nil
}

// Publish delegates to the bound StreamAdapter.
func (f *Facade) Publish(ctx context.Context, ns Namespace, stream string, payload []byte, headers map[string]string) (StreamMessage, error) {
	e, err := f.entry(ns)
	if err != nil {
		return StreamMessage{}, err
	}
	if e.kind != KindStream {
		return StreamMessage{}, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not stream-flavored", ns)
	}

	var msg StreamMessage
	err = f.wrap(ctx, "publish", ns, e, func(ctx context.Context) error {
		var innerErr error
		msg, innerErr = e.stream.Publish(ctx, ns, stream, payload, headers)
		return innerErr
	})
	return msg, err
}

// Subscribe delegates to the bound StreamAdapter. A cursor is mandatory
// per spec 4.6 ("stream subscribe requires a cursor").
func (f *Facade) Subscribe(ctx context.Context, cursor StreamCursor, batchSize int, blockTimeoutMs int64) (<-chan StreamMessage, <-chan error) {
	e, err := f.entry(cursor.Namespace)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- err
		return nil, errCh
	}
	if e.kind != KindStream {
		errCh := make(chan error, 1)
		errCh <- apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not stream-flavored", cursor.Namespace)
		return nil, errCh
	}
	if cursor.ID == "" {
		errCh := make(chan error, 1)
		errCh <- apperrors.New(apperrors.ValidationFailed, "subscribe requires a consumer-group cursor")
		return nil, errCh
	}
	return e.stream.Subscribe(ctx, cursor, batchSize, blockTimeoutMs)
}

// Ack delegates to the bound StreamAdapter.
func (f *Facade) Ack(ctx context.Context, cursor StreamCursor, ids []string) error {
	e, err := f.entry(cursor.Namespace)
	if err != nil {
		return err
	}
	if e.kind != KindStream {
		return apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not stream-flavored", cursor.Namespace)
	}
	return f.wrap(ctx, "ack", cursor.Namespace, e, func(ctx context.Context) error {
		return e.stream.Ack(ctx, cursor, ids)
	})
}

// Reclaim delegates to the bound StreamAdapter's PEL-reassignment
// operation (spec 4.9).
func (f *Facade) Reclaim(ctx context.Context, cursor StreamCursor, consumerName string, minIdleMs int64, count int) ([]StreamMessage, error) {
	e, err := f.entry(cursor.Namespace)
	if err != nil {
		return nil, err
	}
	if e.kind != KindStream {
		return nil, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not stream-flavored", cursor.Namespace)
	}
	var out []StreamMessage
	err = f.wrap(ctx, "reclaim", cursor.Namespace, e, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = e.stream.Reclaim(ctx, cursor, consumerName, minIdleMs, count)
		return innerErr
	})
	return out, err
}

// PendingCount delegates to the bound StreamAdapter's XPENDING summary.
func (f *Facade) PendingCount(ctx context.Context, cursor StreamCursor) (int64, error) {
	e, err := f.entry(cursor.Namespace)
	if err != nil {
		return 0, err
	}
	if e.kind != KindStream {
		return 0, apperrors.Newf(apperrors.ValidationFailed, "namespace %q is not stream-flavored", cursor.Namespace)
	}
	var count int64
	err = f.wrap(ctx, "pending_count", cursor.Namespace, e, func(ctx context.Context) error {
		var innerErr error
		count, innerErr = e.stream.PendingCount(ctx, cursor)
		return innerErr
	})
	return count, err
}
