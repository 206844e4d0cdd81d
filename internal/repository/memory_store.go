package repository

import (
	"context"
	"sort"
	"sync"

	"chat-room-go/internal/model"
)

// MemoryStore 是记录存储的进程内实现，同时满足 RoomRepository、
// CharacterRepository 和 MessageRepository。用于 store.driver=memory 以及测试。
type MemoryStore struct {
	mu         sync.RWMutex
	rooms      map[string]model.Room
	characters map[string][]model.Character
	messages   map[string][]model.Message
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      make(map[string]model.Room),
		characters: make(map[string][]model.Character),
		messages:   make(map[string][]model.Message),
	}
}

// Rooms 返回以 RoomRepository 视角使用的存储。
func (s *MemoryStore) Rooms() RoomRepository { return memoryRooms{s} }

// Characters 返回以 CharacterRepository 视角使用的存储。
func (s *MemoryStore) Characters() CharacterRepository { return memoryCharacters{s} }

// Messages 返回以 MessageRepository 视角使用的存储。
func (s *MemoryStore) Messages() MessageRepository { return memoryMessages{s} }

type memoryRooms struct{ s *MemoryStore }

func (r memoryRooms) Create(ctx context.Context, room *model.Room, characters []model.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.rooms[room.ID] = *room
	r.s.characters[room.ID] = append(r.s.characters[room.ID], characters...)
	return nil
}

func (r memoryRooms) FindByID(ctx context.Context, roomID string) (*model.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	room, ok := r.s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (r memoryRooms) FindAll(ctx context.Context) ([]model.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	rooms := make([]model.Room, 0, len(r.s.rooms))
	for _, room := range r.s.rooms {
		rooms = append(rooms, room)
	}
	r.s.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

type memoryCharacters struct{ s *MemoryStore }

func (r memoryCharacters) Create(ctx context.Context, character *model.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.characters[character.RoomID] = append(r.s.characters[character.RoomID], *character)
	return nil
}

func (r memoryCharacters) FindByRoom(ctx context.Context, roomID string) ([]model.Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.characters[roomID]
	out := make([]model.Character, len(src))
	copy(out, src)
	return out, nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Append(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	log := r.s.messages[msg.RoomID]
	msg.Seq = int64(len(log)) + 1
	r.s.messages[msg.RoomID] = append(log, *msg)
	return nil
}

func (r memoryMessages) FindByRoom(ctx context.Context, roomID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.messages[roomID]
	out := make([]model.Message, len(src))
	copy(out, src)
	return out, nil
}
