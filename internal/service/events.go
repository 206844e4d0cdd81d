package service

import (
	"context"
	"time"
)

// TurnEvent 描述一次已提交的回合，供下游消费者（分析、审计）订阅。
type TurnEvent struct {
	EventID       string    `json:"event_id"`
	RoomID        string    `json:"room_id"`
	Kind          TurnKind  `json:"kind"`
	MessageID     string    `json:"message_id"`
	Seq           int64     `json:"seq"`
	CharacterName string    `json:"character_name"`
	NextSpeaker   string    `json:"next_speaker,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Transport     string    `json:"transport"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TurnEventPublisher 发布回合事件。发布失败不影响回合本身。
type TurnEventPublisher interface {
	PublishTurnEvent(ctx context.Context, event TurnEvent) error
}

// NopEventPublisher 丢弃所有事件，在未启用消息队列时使用。
type NopEventPublisher struct{}

func (NopEventPublisher) PublishTurnEvent(context.Context, TurnEvent) error { return nil }

// NewTurnEvent 根据回合结果构造事件。
func NewTurnEvent(eventID string, result *TurnResult, requestID, transport string) TurnEvent {
	ev := TurnEvent{
		EventID:       eventID,
		RoomID:        result.RoomID,
		Kind:          result.Kind,
		CharacterName: result.CharacterName,
		NextSpeaker:   result.NextSpeaker,
		RequestID:     requestID,
		Transport:     transport,
		OccurredAt:    time.Now(),
	}
	if result.Message != nil {
		ev.MessageID = result.Message.ID
		ev.Seq = result.Message.Seq
		ev.OccurredAt = result.Message.CreatedAt
	}
	return ev
}

// EventPublisherFunc 把普通函数适配为 TurnEventPublisher。
type EventPublisherFunc func(ctx context.Context, event TurnEvent) error

func (f EventPublisherFunc) PublishTurnEvent(ctx context.Context, event TurnEvent) error {
	return f(ctx, event)
}
