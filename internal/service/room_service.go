package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"
	"chat-room-go/pkg/log"

	"github.com/google/uuid"
)

// Roles 定义特殊角色的名字以及房间就绪的最小人数。
type Roles struct {
	Narrator  string
	Admin     string
	MinRoster int
}

// DefaultRoles 返回默认的角色配置。
func DefaultRoles() Roles {
	return Roles{Narrator: "旁白", Admin: "ai管理员", MinRoster: 3}
}

// Readiness 描述房间是否满足通用编排所需的最小阵容。
type Readiness struct {
	HasNarrator    bool `json:"has_narrator"`
	HasAdmin       bool `json:"has_admin"`
	CharacterCount int  `json:"character_count"`
	MinRoster      int  `json:"min_roster"`
	Ready          bool `json:"ready"`
}

// RoomService 定义了房间、角色和消息记录的业务操作。
type RoomService interface {
	CreateRoom(ctx context.Context, name, worldview, creatorID string) (*model.Room, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	CreateCharacter(ctx context.Context, roomID, name, description string) (*model.Character, error)
	ListCharacters(ctx context.Context, roomID string) ([]model.Character, error)
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, roomID, characterID, content string) (*model.Message, error)
	Readiness(ctx context.Context, roomID string) (*Readiness, error)
}

type roomService struct {
	rooms      repository.RoomRepository
	characters repository.CharacterRepository
	convLog    ConversationLog
	roles      Roles
}

// NewRoomService 创建一个新的 RoomService 实例。
func NewRoomService(rooms repository.RoomRepository, characters repository.CharacterRepository, convLog ConversationLog, roles Roles) RoomService {
	return &roomService{
		rooms:      rooms,
		characters: characters,
		convLog:    convLog,
		roles:      roles,
	}
}

// CreateRoom 创建房间，并同时创建管理员与旁白两个默认角色。
func (s *roomService) CreateRoom(ctx context.Context, name, worldview, creatorID string) (*model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewProtocolError("房间名称不能为空", nil)
	}
	now := time.Now()
	room := &model.Room{
		ID:        uuid.NewString(),
		Name:      name,
		Worldview: strings.TrimSpace(worldview),
		CreatorID: creatorID,
		CreatedAt: now,
	}
	defaults := []model.Character{
		{ID: uuid.NewString(), RoomID: room.ID, Name: s.roles.Admin, Description: "负责分析剧情走向并决定下一位发言者", CreatedAt: now},
		{ID: uuid.NewString(), RoomID: room.ID, Name: s.roles.Narrator, Description: "负责描述场景与开场", CreatedAt: now.Add(time.Millisecond)},
	}
	if err := s.rooms.Create(ctx, room, defaults); err != nil {
		log.Errorf("[RoomService] 创建房间失败, name: %s, error: %v", name, err)
		return nil, newTurnError(CodeStoreUnavailable, "创建房间失败", err)
	}
	log.Infow("房间已创建", "roomID", room.ID, "name", room.Name)
	return room, nil
}

func (s *roomService) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newTurnError(CodeRoomNotFound, "房间不存在", err)
		}
		return nil, newTurnError(CodeStoreUnavailable, "读取房间失败", err)
	}
	return room, nil
}

func (s *roomService) ListRooms(ctx context.Context) ([]model.Room, error) {
	rooms, err := s.rooms.FindAll(ctx)
	if err != nil {
		return nil, newTurnError(CodeStoreUnavailable, "读取房间列表失败", err)
	}
	return rooms, nil
}

func (s *roomService) CreateCharacter(ctx context.Context, roomID, name, description string) (*model.Character, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewProtocolError("角色名称不能为空", nil)
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	roster, err := s.ListCharacters(ctx, roomID)
	if err != nil {
		return nil, err
	}
	// 回合按名字定位角色，同一房间内名字必须唯一
	if model.FindCharacterByName(roster, name) != nil {
		return nil, NewProtocolError(fmt.Sprintf("角色「%s」已存在", name), nil)
	}
	character := &model.Character{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now(),
	}
	if err := s.characters.Create(ctx, character); err != nil {
		return nil, newTurnError(CodeStoreUnavailable, "创建角色失败", err)
	}
	return character, nil
}

func (s *roomService) ListCharacters(ctx context.Context, roomID string) ([]model.Character, error) {
	characters, err := s.characters.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, newTurnError(CodeStoreUnavailable, "读取角色列表失败", err)
	}
	return characters, nil
}

func (s *roomService) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	return s.convLog.ReadHistory(ctx, roomID)
}

// CreateMessage 以指定角色的身份直接写入一条消息，角色必须属于该房间。
func (s *roomService) CreateMessage(ctx context.Context, roomID, characterID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewProtocolError("消息内容不能为空", nil)
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	roster, err := s.ListCharacters(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var author *model.Character
	for i := range roster {
		if roster[i].ID == characterID {
			author = &roster[i]
			break
		}
	}
	if author == nil {
		return nil, newTurnError(CodeUnknownCharacter, "角色不属于该房间", nil)
	}
	return s.convLog.Append(ctx, Entry{
		RoomID:        roomID,
		CharacterID:   author.ID,
		CharacterName: author.Name,
		Content:       content,
	})
}

// Readiness 报告房间阵容是否就绪：需要旁白、管理员，且总人数超过阈值。
func (s *roomService) Readiness(ctx context.Context, roomID string) (*Readiness, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	roster, err := s.ListCharacters(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r := &Readiness{
		HasNarrator:    model.FindCharacterByName(roster, s.roles.Narrator) != nil,
		HasAdmin:       model.FindCharacterByName(roster, s.roles.Admin) != nil,
		CharacterCount: len(roster),
		MinRoster:      s.roles.MinRoster,
	}
	r.Ready = r.HasNarrator && r.HasAdmin && r.CharacterCount > r.MinRoster
	return r, nil
}
