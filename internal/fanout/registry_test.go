package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/testutil"
)

func TestRegistry_PublishSubscribe(t *testing.T) {
	r := NewRegistry(4, testutil.MakeNoopLogger())

	first, unsubFirst := r.Subscribe("doc-1")
	defer unsubFirst()
	second, unsubSecond := r.Subscribe("doc-1")
	defer unsubSecond()
	other, unsubOther := r.Subscribe("doc-2")
	defer unsubOther()

	ops := []model.FederatedOp{op("a", 1), op("b", 2)}
	r.Publish("doc-1", ops)

	assert.Equal(t, Event{Ops: ops}, <-first)
	assert.Equal(t, Event{Ops: ops}, <-second)
	assert.Empty(t, other)
	assert.Equal(t, 2, r.SubscriberCount("doc-1"))
}

func TestRegistry_PublishNothing(t *testing.T) {
	r := NewRegistry(4, testutil.MakeNoopLogger())
	ch, unsub := r.Subscribe("doc-1")
	defer unsub()

	r.Publish("doc-1", nil)

	assert.Empty(t, ch)
}

func TestRegistry_PublishState(t *testing.T) {
	r := NewRegistry(4, testutil.MakeNoopLogger())
	ch, unsub := r.Subscribe("doc-1")
	defer unsub()

	r.PublishState("doc-1", StateReconnecting)

	assert.Equal(t, Event{State: StateReconnecting}, <-ch)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry(4, testutil.MakeNoopLogger())
	ch, unsub := r.Subscribe("doc-1")

	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, r.SubscriberCount("doc-1"))

	// publishing to a document without subscribers is a no-op
	r.Publish("doc-1", []model.FederatedOp{op("a", 1)})
}

func TestRegistry_DropsSlowSubscriber(t *testing.T) {
	r := NewRegistry(1, testutil.MakeNoopLogger())
	slow, unsubSlow := r.Subscribe("doc-1")
	defer unsubSlow()

	r.Publish("doc-1", []model.FederatedOp{op("a", 1)})
	r.Publish("doc-1", []model.FederatedOp{op("b", 2)})

	ev, open := <-slow
	require.True(t, open)
	assert.Equal(t, "a", ev.Ops[0].OpID)

	_, open = <-slow
	assert.False(t, open, "slow subscriber should be closed")
	assert.Zero(t, r.SubscriberCount("doc-1"))

	fresh, unsubFresh := r.Subscribe("doc-1")
	defer unsubFresh()
	r.Publish("doc-1", []model.FederatedOp{op("c", 3)})
	assert.Equal(t, "c", (<-fresh).Ops[0].OpID)
}

func TestRegistry_Concurrent(t *testing.T) {
	const (
		publishers  = 8
		subscribers = 8
		perWorker   = 50
	)
	r := NewRegistry(publishers*perWorker, testutil.MakeNoopLogger())

	var wg sync.WaitGroup
	received := make([]int, subscribers)
	ready := make(chan struct{})
	start := make(chan struct{})
	for i := range subscribers {
		ch, unsub := r.Subscribe("doc-1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsub()
			ready <- struct{}{}
			for range publishers * perWorker {
				if _, ok := <-ch; !ok {
					return
				}
				received[i]++
			}
		}()
	}
	for range subscribers {
		<-ready
	}

	var pubs sync.WaitGroup
	for p := range publishers {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			<-start
			for n := range perWorker {
				r.Publish("doc-1", []model.FederatedOp{op("op", int64(p*perWorker+n+1))})
			}
		}()
	}
	close(start)
	pubs.Wait()
	wg.Wait()

	for i := range subscribers {
		assert.Equal(t, publishers*perWorker, received[i])
	}
	assert.Zero(t, r.SubscriberCount("doc-1"))
}
