package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV models the per-key revisions of a JetStream bucket.
type fakeKV struct {
	jetstream.KeyValue

	mu      sync.Mutex
	seq     uint64
	entries map[string]fakeEntry
	deletes int
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value string
	rev   uint64
}

func (e fakeEntry) Value() []byte    { return []byte(e.value) }
func (e fakeEntry) Revision() uint64 { return e.rev }

func newFakeKV() *fakeKV { return &fakeKV{entries: make(map[string]fakeEntry)} }

func (f *fakeKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.seq++
	f.entries[key] = fakeEntry{value: string(value), rev: f.seq}
	return f.seq, nil
}

func (f *fakeKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	f.seq++
	f.entries[key] = fakeEntry{value: string(value), rev: f.seq}
	return f.seq, nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.entries, key)
	return nil
}

// expire drops key the way the bucket TTL would.
func (f *fakeKV) expire(key string) {
	f.mu.Lock()
	delete(f.entries, key)
	f.mu.Unlock()
}

func (f *fakeKV) owner(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key].value
}

func TestKVLeaseReleaseLeavesNewHolderAlone(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	a := NewKVLease(kv, "worker-a")
	b := NewKVLease(kv, "worker-b")

	ok, err := a.Acquire(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "lease is held")

	// a stalls past the TTL and b takes over.
	kv.expire(leaseKey("v1"))
	ok, err = b.Acquire(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, a.Refresh(ctx, "v1"), ErrLeaseLost)
	require.NoError(t, a.Release(ctx, "v1"))
	assert.Equal(t, "worker-b", kv.owner(leaseKey("v1")))
	assert.Zero(t, kv.deletes)

	require.NoError(t, b.Refresh(ctx, "v1"))
	require.NoError(t, b.Release(ctx, "v1"))
	assert.Equal(t, 1, kv.deletes)

	ok, err = a.Acquire(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLeaseRefresh(t *testing.T) {
	ctx := context.Background()
	now := testNow
	l := NewMemoryLease(time.Minute)
	l.now = func() time.Time { return now }

	assert.ErrorIs(t, l.Refresh(ctx, "v1"), ErrLeaseLost)

	ok, err := l.Acquire(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	require.NoError(t, l.Refresh(ctx, "v1"))

	now = now.Add(50 * time.Second)
	ok, err = l.Acquire(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "refresh extends the lease")

	now = now.Add(time.Minute)
	assert.ErrorIs(t, l.Refresh(ctx, "v1"), ErrLeaseLost)
}
