package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu    sync.Mutex
	rooms []string
	block chan struct{}
}

func (b *recordingBus) Publish(ctx context.Context, roomID string, _ []byte) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, roomID)
	return nil
}

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.rooms...)
}

func newDetachedSession(id string) *Session {
	return &Session{
		ID:    id,
		send:  make(chan []byte, 2),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

func TestHubBroadcastSkipsOrigin(t *testing.T) {
	bus := &recordingBus{}
	hub := NewSessionHub(bus)
	a, b := newDetachedSession("a"), newDetachedSession("b")
	hub.Join(a, "r1")
	assert.Equal(t, 2, hub.Join(b, "r1"))

	hub.Broadcast("r1", serverEvent{Event: eventTurnBroadcast}, "a")
	assert.Len(t, a.send, 0)
	require.Len(t, b.send, 1)
	assert.JSONEq(t, `{"event":"turn_broadcast"}`, string(<-b.send))
	assert.Eventually(t, func() bool { return len(bus.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1"}, bus.published())

	hub.DeliverRemote("r1", []byte(`{"event":"turn_broadcast"}`))
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)
}

func TestHubDropsForClosedOrFullSessions(t *testing.T) {
	hub := NewSessionHub(nil)
	s := newDetachedSession("s")
	hub.Join(s, "r1")

	for i := 0; i < 3; i++ {
		hub.DeliverRemote("r1", []byte(`{}`))
	}
	assert.Len(t, s.send, 2)

	s.close()
	assert.False(t, s.Send(serverEvent{Event: "x"}))
	assert.True(t, s.IsClosed())
}

func TestHubLeaveAndUnregister(t *testing.T) {
	hub := NewSessionHub(nil)
	s := newDetachedSession("s")
	hub.Join(s, "r1")
	hub.Join(s, "r2")

	hub.Leave(s, "r1")
	assert.Zero(t, hub.Members("r1"))
	assert.Equal(t, 1, hub.Members("r2"))

	hub.Unregister(s)
	assert.Zero(t, hub.Members("r2"))
	assert.True(t, s.IsClosed())
}

func TestHubBroadcastDoesNotWaitForSlowBus(t *testing.T) {
	bus := &recordingBus{block: make(chan struct{})}
	hub := NewSessionHub(bus)
	s := newDetachedSession("s")
	hub.Join(s, "r1")

	returned := make(chan struct{})
	go func() {
		hub.Broadcast("r1", serverEvent{Event: eventTurnBroadcast}, "")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on the room bus")
	}
	assert.Len(t, s.send, 1)
	assert.Empty(t, bus.published())

	close(bus.block)
	assert.Eventually(t, func() bool { return len(bus.published()) == 1 }, time.Second, 5*time.Millisecond)
}
