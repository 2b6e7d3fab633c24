package storage

import "context"

// RecordAdapter is the "structured rows with optimistic concurrency"
// capability of spec 4.5.1.
type RecordAdapter interface {
	Upsert(ctx context.Context, namespace Namespace, record Record, opts WriteOptions) (Record, error)
	Get(ctx context.Context, ref ObjectReference) (Record, error)
	Delete(ctx context.Context, ref ObjectReference, opts WriteOptions) error
	Query(ctx context.Context, namespace Namespace, query Query, pagination PaginationOptions) (Page, error)
}

// BlobAdapter is the "durable opaque object store" capability of spec
// 4.5.2.
type BlobAdapter interface {
	Put(ctx context.Context, ref ObjectReference, contentType string, body []byte) (ObjectMetadata, error)
	Get(ctx context.Context, ref ObjectReference) ([]byte, ObjectMetadata, error)
	Delete(ctx context.Context, ref ObjectReference) error
}

// StreamAdapter is the "append-only partitioned log with consumer
// groups" capability of spec 4.5.3.
type StreamAdapter interface {
	Publish(ctx context.Context, namespace Namespace, stream string, payload []byte, headers map[string]string) (StreamMessage, error)
	// Subscribe yields a lazy sequence of messages for cursor's consumer
	// group. The returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, cursor StreamCursor, batchSize int, blockTimeout int64) (<-chan StreamMessage, <-chan error)
	Ack(ctx context.Context, cursor StreamCursor, ids []string) error

	// Reclaim reassigns entries idle for at least minIdleMs from crashed
	// peers to consumerName (spec 4.9 "PEL hygiene loop", XAUTOCLAIM).
	Reclaim(ctx context.Context, cursor StreamCursor, consumerName string, minIdleMs int64, count int) ([]StreamMessage, error)
	// PendingCount reports the current pending-entry-list size for
	// cursor's consumer group (XPENDING summary form).
	PendingCount(ctx context.Context, cursor StreamCursor) (int64, error)
}

// AdapterKind discriminates a StorageAdapter without runtime reflection,
// per design note "Dynamic adapter polymorphism".
type AdapterKind int

const (
	KindBlob AdapterKind = iota
	KindRecord
	KindStream
)
