package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd-project/agentd/pkg/models"
)

// collector records delivered event ids in order.
type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) onEvent(evt models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, evt.EventID())
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPubSubDeliversInOrder(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	c := &collector{}
	ps.Subscribe(c.onEvent)

	var want []string
	for i := 0; i < 20; i++ {
		msg := userMessage("m")
		want = append(want, msg.ID)
		ps.Dispatch(msg)
	}

	waitFor(t, func() bool { return len(c.snapshot()) == 20 })
	assert.Equal(t, want, c.snapshot())
}

func TestPubSubMultipleSubscribers(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	a := &collector{}
	b := &collector{}
	ps.Subscribe(a.onEvent)
	ps.Subscribe(b.onEvent)

	msg := userMessage("m")
	ps.Dispatch(msg)

	waitFor(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 })
}

func TestPubSubSubscribeTwiceIndependent(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	c := &collector{}
	id1 := ps.Subscribe(c.onEvent)
	id2 := ps.Subscribe(c.onEvent)
	assert.NotEqual(t, id1, id2)

	ps.Dispatch(userMessage("m"))
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	ps.Unsubscribe(id1)
	ps.Dispatch(userMessage("m"))
	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
}

func TestPubSubUnsubscribeUnknownIsNoop(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	assert.NotPanics(t, func() { ps.Unsubscribe("nope") })
}

func TestPubSubLateSubscriberMissesEarlierEvents(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	ps.Dispatch(userMessage("early"))

	c := &collector{}
	ps.Subscribe(c.onEvent)
	late := userMessage("late")
	ps.Dispatch(late)

	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	assert.Equal(t, []string{late.ID}, c.snapshot())
}

func TestPubSubSlowSubscriberDoesNotBlockPeers(t *testing.T) {
	ps := NewPubSub()
	defer ps.Close()

	slowRelease := make(chan struct{})
	ps.Subscribe(func(models.Event) { <-slowRelease })

	fast := &collector{}
	ps.Subscribe(fast.onEvent)

	for i := 0; i < 5; i++ {
		ps.Dispatch(userMessage("m"))
	}

	waitFor(t, func() bool { return len(fast.snapshot()) == 5 })
	close(slowRelease)
}

func TestPubSubCloseDrainsQueuedEvents(t *testing.T) {
	ps := NewPubSub()

	c := &collector{}
	ps.Subscribe(c.onEvent)
	for i := 0; i < 10; i++ {
		ps.Dispatch(userMessage("m"))
	}

	ps.Close()
	require.Len(t, c.snapshot(), 10)
	assert.Equal(t, 0, ps.SubscriberCount())
}
