package bus_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/bus"
)

func newTestBus(t *testing.T, bufferSize int) *bus.Bus {
	return bus.New(zaptest.NewLogger(t), bufferSize)
}

func runEvent(t schemas.EventType, runID string) schemas.Event {
	return schemas.Event{Type: t, RunID: runID}
}

func TestBus_TopicRouting(t *testing.T) {
	eb := newTestBus(t, 8)
	defer eb.Shutdown()

	runs := eb.Subscribe(schemas.TopicRun)
	interventions := eb.Subscribe(schemas.TopicIntervention)
	all := eb.Subscribe()
	assert.Equal(t, 3, eb.SubscriberCount())

	eb.Publish(runEvent(schemas.EventRunStarted, "r1"))
	eb.Publish(schemas.Event{Type: schemas.EventInterventionCreated, InterventionID: "iv1"})

	got := <-runs.C
	assert.Equal(t, schemas.EventRunStarted, got.Type)
	assert.False(t, got.Timestamp.IsZero(), "timestamp is filled in")
	assert.Len(t, runs.C, 0, "run subscriber must not see intervention events")

	assert.Equal(t, "iv1", (<-interventions.C).InterventionID)

	assert.Equal(t, schemas.EventRunStarted, (<-all.C).Type)
	assert.Equal(t, schemas.EventInterventionCreated, (<-all.C).Type)
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	eb := newTestBus(t, 8)
	defer eb.Shutdown()

	eb.Publish(runEvent(schemas.EventRunStarted, "early"))
	late := eb.Subscribe(schemas.TopicRun)
	eb.Publish(runEvent(schemas.EventRunCompleted, "after"))

	got := <-late.C
	assert.Equal(t, "after", got.RunID)
	assert.Len(t, late.C, 0)
}

func TestBus_PerSubscriberOrderPreserved(t *testing.T) {
	eb := newTestBus(t, 256)
	defer eb.Shutdown()
	sub := eb.Subscribe(schemas.TopicRun)

	for i := 0; i < 200; i++ {
		eb.Publish(runEvent(schemas.EventRunStarted, fmt.Sprintf("r%03d", i)))
	}
	for i := 0; i < 200; i++ {
		assert.Equal(t, fmt.Sprintf("r%03d", i), (<-sub.C).RunID)
	}
}

func TestBus_SlowSubscriberNeverBlocksPublisher(t *testing.T) {
	eb := newTestBus(t, 2)
	defer eb.Shutdown()

	slow := eb.Subscribe(schemas.TopicRun)
	fast := eb.Subscribe(schemas.TopicRun)

	done := make(chan struct{})
	var received []string
	go func() {
		defer close(done)
		for evt := range fast.C {
			received = append(received, evt.RunID)
		}
	}()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 10; i++ {
			eb.Publish(runEvent(schemas.EventRunStarted, fmt.Sprintf("r%d", i)))
			// Give the fast consumer room to keep up with its small buffer.
			time.Sleep(2 * time.Millisecond)
		}
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	fast.Close()
	<-done

	assert.Equal(t, 10, len(received)+int(fast.Dropped()), "every event is either delivered or counted as dropped")
	assert.Equal(t, uint64(8), slow.Dropped(), "slow subscriber keeps its buffer and drops the rest")
	_, dropped := eb.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(8))
}

func TestBus_CloseAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	eb := newTestBus(t, 4)
	var wg sync.WaitGroup
	subs := make([]*bus.Subscription, 5)
	for i := range subs {
		subs[i] = eb.Subscribe()
		wg.Add(1)
		go func(s *bus.Subscription) {
			defer wg.Done()
			for range s.C {
			}
		}(subs[i])
	}

	subs[0].Close()
	subs[0].Close()
	assert.Equal(t, 4, eb.SubscriberCount())

	var pubWg sync.WaitGroup
	for p := 0; p < 4; p++ {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for i := 0; i < 100; i++ {
				eb.Publish(runEvent(schemas.EventRunFailed, "r"))
			}
		}()
	}
	pubWg.Wait()

	eb.Shutdown()
	eb.Shutdown()
	wg.Wait()

	for _, s := range subs {
		s.Close()
	}
	assert.Equal(t, 0, eb.SubscriberCount())

	// Subscribing after shutdown yields an already-closed subscription.
	late := eb.Subscribe(schemas.TopicRun)
	_, open := <-late.C
	require.False(t, open)
	eb.Publish(runEvent(schemas.EventRunStarted, "ignored"))
}
