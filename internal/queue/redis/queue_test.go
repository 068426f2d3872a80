package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

func newQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := New(rdb, Config{Key: "test:tasks", Block: time.Second})
	require.NoError(t, err)
	return q, mr
}

func sampleTask() resource.Task {
	return resource.Task{URL: "https://a.com/x.pdf", Consumer: "acme", Kind: resource.KindDocument, Attempt: 1}
}

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q, mr := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, sampleTask()))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleTask(), d.Task)

	waiting, inFlight, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, waiting)
	require.EqualValues(t, 1, inFlight)

	require.NoError(t, d.Ack(ctx))
	require.False(t, mr.Exists("test:tasks:processing"))
}

func TestNackRequeuesWithNextAttempt(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, sampleTask()))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, again.Task.Attempt)
	require.Equal(t, sampleTask().URL, again.Task.URL)
}

func TestDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDequeueDropsMalformedPayloads(t *testing.T) {
	t.Parallel()

	q, mr := newQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:tasks", "garbage")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, sampleTask()))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleTask(), d.Task)

	_, inFlight, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, inFlight)
}

func TestRequeueRecoversOrphans(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, sampleTask()))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	moved, err := q.Requeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	waiting, inFlight, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, waiting)
	require.Zero(t, inFlight)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)
}
