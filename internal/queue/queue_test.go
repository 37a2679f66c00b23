package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/mailwatch/internal/subscription"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		q.Enqueue(Job{
			Provider:       subscription.ProviderGmail,
			SubscriptionID: fmt.Sprintf("sub-%d", i),
		})
	}
	assert.Equal(t, 10, q.Len())

	for i := 0; i < 10; i++ {
		job, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("sub-%d", i), job.SubscriptionID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentProducersExactlyOnce(t *testing.T) {
	q := New()
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Job{SubscriptionID: fmt.Sprintf("p%d-j%d", p, i)})
			}
		}(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(map[string]int)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < producers*perProducer {
			job, ok := q.Dequeue(ctx)
			if !ok {
				return
			}
			seen[job.SubscriptionID]++
		}
	}()

	wg.Wait()
	<-done

	require.Len(t, seen, producers*perProducer)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s dequeued %d times", id, count)
	}
}

func TestPerProducerOrderPreserved(t *testing.T) {
	q := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				q.Enqueue(Job{ResourceID: fmt.Sprintf("r%d", p), SubscriptionID: fmt.Sprintf("%d", i)})
			}
		}(p)
	}
	wg.Wait()

	lastPerResource := make(map[string]int)
	for i := 0; i < 100; i++ {
		job, ok := q.Dequeue(ctx)
		require.True(t, ok)
		var seq int
		fmt.Sscanf(job.SubscriptionID, "%d", &seq)
		if last, seen := lastPerResource[job.ResourceID]; seen {
			assert.Greater(t, seq, last, "resource %s out of order", job.ResourceID)
		}
		lastPerResource[job.ResourceID] = seq
	}
}

func TestDrainReleasesBackingArray(t *testing.T) {
	q := New()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		q.Enqueue(Job{SubscriptionID: fmt.Sprintf("sub-%d", i)})
	}
	for i := 0; i < 100; i++ {
		_, ok := q.Dequeue(ctx)
		require.True(t, ok)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Nil(t, q.items)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	ctx := context.Background()

	got := make(chan Job, 1)
	go func() {
		job, ok := q.Dequeue(ctx)
		if ok {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(Job{SubscriptionID: "late"})

	select {
	case job := <-got:
		assert.Equal(t, "late", job.SubscriptionID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestCancelTerminatesDequeue(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}
