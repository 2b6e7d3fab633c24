// Package storage implements the data model and StorageFacade of spec
// section 3 and 4.6: a namespace-multiplexed façade over typed adapters
// (record, blob, stream), layered over the cache manager.
package storage

import "time"

// Namespace is a tenant-visible partition key. Every entity lives within
// a namespace.
type Namespace string

// ObjectReference uniquely names a blob or record.
type ObjectReference struct {
	Namespace Namespace
	ID        string
	VersionID string // optional
}

// ObjectMetadata describes a stored blob or record.
type ObjectMetadata struct {
	Checksum          string
	ChecksumAlgorithm string
	ContentType       string
	Size              int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	VersionID         string
	Custom            map[string]string
}

// Record is a structured, versioned row (spec 3).
type Record struct {
	ID        string
	Namespace Namespace
	VersionID string
	Data      map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryGuarantee is advisory metadata only (spec 9 Open Questions:
// exactly_once is never used for control flow).
type DeliveryGuarantee string

const (
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// Acknowledgment carries the advisory delivery-guarantee flag.
type Acknowledgment struct {
	DeliveryGuarantee DeliveryGuarantee
}

// StreamMessage is one entry appended to a broker stream.
type StreamMessage struct {
	ID             string // assigned by the broker on append
	Namespace      Namespace
	Stream         string
	Payload        []byte // opaque JSON
	Headers        map[string]string
	PublishedAt    time.Time
	Acknowledgment Acknowledgment
}

// StreamCursor names a consumer group's position in a stream.
type StreamCursor struct {
	ID        string // consumer-group name
	Stream    string
	Namespace Namespace
	Position  string
	Partition *int
}

// WriteOptions parametrizes a conditional write.
type WriteOptions struct {
	ConcurrencyToken string // optional: required versionId for a conditional write
}

// Page is a cursor-paginated result set.
type Page struct {
	Records    []Record
	NextCursor string // empty iff there is no further page
}

// PaginationOptions parametrizes Query.
type PaginationOptions struct {
	Cursor string
	Limit  int
}

// Query is an adapter-specific structured filter; left opaque to the
// facade and passed through to RecordAdapter.Query.
type Query map[string]interface{}
