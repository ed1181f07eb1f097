package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan Task) Task {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task delivery")
		return Task{}
	}
}

func TestWorkerQueueDelivers(t *testing.T) {
	registry := NewRegistry()
	done := make(chan Task, 1)
	registry.Register("tick", func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})

	q := New(context.Background(), registry, 2, 8)
	defer q.Close()

	require.True(t, q.Enqueue("tick", map[string]string{"type": "content"}, 0))

	task := waitFor(t, done)
	assert.Equal(t, "tick", task.Name)
	assert.Equal(t, "content", task.Args["type"])
}

func TestWorkerQueueDelayedDelivery(t *testing.T) {
	registry := NewRegistry()
	done := make(chan Task, 1)
	registry.Register("tick", func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})

	q := New(context.Background(), registry, 1, 8)
	defer q.Close()

	start := time.Now()
	require.True(t, q.Enqueue("tick", nil, 50*time.Millisecond))

	waitFor(t, done)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTimerQueueDelivers(t *testing.T) {
	registry := NewRegistry()
	done := make(chan Task, 1)
	registry.Register("tick", func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})

	q := New(context.Background(), registry, 0, 0)
	defer q.Close()

	require.True(t, q.Enqueue("tick", nil, 0))
	waitFor(t, done)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	registry := NewRegistry()
	q := New(context.Background(), registry, 1, 8)
	q.Close()

	assert.False(t, q.Enqueue("tick", nil, 0))
}

func TestUnknownTaskDoesNotBlockWorkers(t *testing.T) {
	registry := NewRegistry()
	done := make(chan Task, 1)
	registry.Register("known", func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})

	q := New(context.Background(), registry, 1, 8)
	defer q.Close()

	require.True(t, q.Enqueue("unknown", nil, 0))
	require.True(t, q.Enqueue("known", nil, 0))
	waitFor(t, done)
}
