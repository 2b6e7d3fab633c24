package storage

import (
	"context"
	"testing"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/stretchr/testify/assert"
)

type fakeRecordAdapter struct {
	records map[string]Record
}

func newFakeRecordAdapter() *fakeRecordAdapter {
	return &fakeRecordAdapter{records: make(map[string]Record)}
}

func (a *fakeRecordAdapter) Upsert(ctx context.Context, ns Namespace, rec Record, opts WriteOptions) (Record, error) {
	a.records[rec.ID] = rec
	return rec, nil
}

func (a *fakeRecordAdapter) Get(ctx context.Context, ref ObjectReference) (Record, error) {
	rec, ok := a.records[ref.ID]
	if !ok {
		return Record{}, apperrors.New(apperrors.NotFound, "not found")
	}
	return rec, nil
}

func (a *fakeRecordAdapter) Delete(ctx context.Context, ref ObjectReference, opts WriteOptions) error {
	delete(a.records, ref.ID)
	return nil
}

func (a *fakeRecordAdapter) Query(ctx context.Context, ns Namespace, q Query, pagination PaginationOptions) (Page, error) {
	return Page{}, nil
}

func TestFacade_UnboundNamespaceReturnsUnknown(t *testing.T) {
	f := NewFacade(nil, nil)
	_, err := f.Read(context.Background(), ObjectReference{Namespace: "missing", ID: "x"}, ReadOptions{})
	assert.Error(t, err)
	assert.Equal(t, apperrors.Unknown, apperrors.KindOf(err))
}

func TestFacade_WrongFlavorReturnsValidationFailed(t *testing.T) {
	f := NewFacade(nil, nil)
	f.BindRecord("ns1", newFakeRecordAdapter(), nil, nil, nil)

	_, err := f.GetBlob(context.Background(), ObjectReference{Namespace: "ns1", ID: "x"})
	assert.Error(t, err)
	assert.Equal(t, apperrors.ValidationFailed, apperrors.KindOf(err))
}

func TestFacade_WriteThenStrongReadRoundTrips(t *testing.T) {
	f := NewFacade(nil, nil)
	adapter := newFakeRecordAdapter()
	f.BindRecord("ns1", adapter, nil, nil, nil)

	rec := Record{ID: "rec1", Namespace: "ns1", Data: map[string]interface{}{"k": "v"}}
	_, err := f.Write(context.Background(), "ns1", rec, WriteOptions{})
	assert.NoError(t, err)

	got, err := f.Read(context.Background(), ObjectReference{Namespace: "ns1", ID: "rec1"}, ReadOptions{Consistency: Strong})
	assert.NoError(t, err)
	assert.Equal(t, "rec1", got.ID)
}

func TestFacade_SubscribeRequiresCursorID(t *testing.T) {
	f := NewFacade(nil, nil)
	f.BindStream("ns1", &fakeStreamAdapter{}, nil, nil)

	_, errCh := f.Subscribe(context.Background(), StreamCursor{Namespace: "ns1", Stream: "s1"}, 10, 1000)
	err := <-errCh
	assert.Error(t, err)
	assert.Equal(t, apperrors.ValidationFailed, apperrors.KindOf(err))
}

type fakeStreamAdapter struct{}

func (f *fakeStreamAdapter) Publish(ctx context.Context, ns Namespace, stream string, payload []byte, headers map[string]string) (StreamMessage, error) {
	return StreamMessage{}, nil
}

func (f *fakeStreamAdapter) Subscribe(ctx context.Context, cursor StreamCursor, batchSize int, blockTimeout int64) (<-chan StreamMessage, <-chan error) {
	msgCh := make(chan StreamMessage)
	errCh := make(chan error)
	close(msgCh)
	close(errCh)
	return msgCh, errCh
}

func (f *fakeStreamAdapter) Ack(ctx context.Context, cursor StreamCursor, ids []string) error {
	return nil
}

func (f *fakeStreamAdapter) Reclaim(ctx context.Context, cursor StreamCursor, consumerName string, minIdleMs int64, count int) ([]StreamMessage, error) {
	return nil, nil
}

func (f *fakeStreamAdapter) PendingCount(ctx context.Context, cursor StreamCursor) (int64, error) {
	return 0, nil
}
