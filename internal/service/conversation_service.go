// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"time"

	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"

	"github.com/google/uuid"
)

// Entry 是追加到对话日志的一条内容。
type Entry struct {
	RoomID          string
	CharacterID     string
	CharacterName   string
	Content         string
	CurrentLocation string
	Status          string
	NextSpeaker     string
}

// ConversationLog 是房间对话的唯一事实来源：只追加、严格有序。
type ConversationLog interface {
	// Append 写入一条消息并返回带有 ID、Seq 和时间戳的结果。
	Append(ctx context.Context, entry Entry) (*model.Message, error)
	// ReadHistory 按追加顺序返回房间的全部消息。
	ReadHistory(ctx context.Context, roomID string) ([]model.Message, error)
}

type conversationLog struct {
	repo repository.MessageRepository
	now  func() time.Time
}

// NewConversationLog 创建一个新的 ConversationLog。
func NewConversationLog(repo repository.MessageRepository) ConversationLog {
	return &conversationLog{repo: repo, now: time.Now}
}

func (l *conversationLog) Append(ctx context.Context, entry Entry) (*model.Message, error) {
	msg := &model.Message{
		ID:              uuid.NewString(),
		RoomID:          entry.RoomID,
		CharacterID:     entry.CharacterID,
		CharacterName:   entry.CharacterName,
		Content:         entry.Content,
		CurrentLocation: entry.CurrentLocation,
		Status:          entry.Status,
		NextSpeaker:     entry.NextSpeaker,
		CreatedAt:       l.now(),
	}
	if err := l.repo.Append(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newTurnError(CodeRoomNotFound, "房间不存在", err)
		}
		return nil, newTurnError(CodeStoreUnavailable, "写入对话日志失败", err)
	}
	return msg, nil
}

func (l *conversationLog) ReadHistory(ctx context.Context, roomID string) ([]model.Message, error) {
	messages, err := l.repo.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, newTurnError(CodeStoreUnavailable, "读取对话日志失败", err)
	}
	return messages, nil
}
