package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenMessages struct{}

func (brokenMessages) Append(context.Context, *model.Message) error { return errors.New("db down") }
func (brokenMessages) FindByRoom(context.Context, string) ([]model.Message, error) {
	return nil, errors.New("db down")
}

func TestConversationLogPreservesOrder(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Rooms().Create(ctx, &model.Room{ID: "r1", Name: "r"}, nil))
	convLog := NewConversationLog(store.Messages())

	for i := 0; i < 5; i++ {
		msg, err := convLog.Append(ctx, Entry{RoomID: "r1", CharacterName: "旁白", Content: fmt.Sprintf("第%d句", i)})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
	}
	history, err := convLog.ReadHistory(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, m := range history {
		assert.Equal(t, fmt.Sprintf("第%d句", i), m.Content)
		assert.EqualValues(t, i+1, m.Seq)
	}
}

func TestConversationLogConcurrentAppends(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Rooms().Create(ctx, &model.Room{ID: "r1", Name: "r"}, nil))
	convLog := NewConversationLog(store.Messages())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := convLog.Append(ctx, Entry{RoomID: "r1", Content: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := convLog.ReadHistory(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, history, 20)
}

func TestConversationLogErrors(t *testing.T) {
	store := repository.NewMemoryStore()
	_, err := NewConversationLog(store.Messages()).Append(context.Background(), Entry{RoomID: "missing", Content: "x"})
	assert.Equal(t, CodeRoomNotFound, CodeOf(err))

	broken := NewConversationLog(brokenMessages{})
	_, err = broken.Append(context.Background(), Entry{RoomID: "r1", Content: "x"})
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
	_, err = broken.ReadHistory(context.Background(), "r1")
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
	assert.True(t, IsRetryable(err))
}
