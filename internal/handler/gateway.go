package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"chat-room-go/internal/service"
	"chat-room-go/pkg/log"
	"chat-room-go/pkg/tasks"

	"github.com/google/uuid"
)

const (
	transportHTTP   = "http"
	transportSocket = "socket"
	transportQueue  = "queue"
)

// settingList 接受字符串形式的 "名字: 描述"，也接受 {"name","background"} 形式的对象。
type settingList []string

func (l *settingList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Name        string `json:"name"`
			Background  string `json:"background"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		desc := obj.Background
		if desc == "" {
			desc = obj.Description
		}
		if desc == "" {
			out = append(out, obj.Name)
		} else {
			out = append(out, obj.Name+": "+desc)
		}
	}
	*l = out
	return nil
}

// turnRequest 是两种传输共用的回合请求体。history_messages 字段会被忽略，
// 历史总是从对话日志读取。
type turnRequest struct {
	RoomID            string      `json:"room_id"`
	WorldBackground   string      `json:"world_background"`
	CharacterSettings settingList `json:"character_settings"`
	AdminAnalysis     string      `json:"admin_analysis"`
	CharacterName     string      `json:"character_name"`
}

// turnPayload 是两种传输共用的回合结果。
type turnPayload struct {
	Kind            service.TurnKind `json:"kind"`
	RoomID          string           `json:"room_id"`
	MessageID       string           `json:"message_id"`
	Seq             int64            `json:"seq"`
	CharacterID     string           `json:"character_id"`
	CharacterName   string           `json:"character_name"`
	Content         string           `json:"content"`
	NextSpeaker     string           `json:"next_speaker,omitempty"`
	CurrentLocation string           `json:"current_location,omitempty"`
	Status          string           `json:"status,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

func newTurnPayload(res *service.TurnResult) *turnPayload {
	p := &turnPayload{
		Kind:            res.Kind,
		RoomID:          res.RoomID,
		CharacterID:     res.CharacterID,
		CharacterName:   res.CharacterName,
		Content:         res.Content,
		NextSpeaker:     res.NextSpeaker,
		CurrentLocation: res.CurrentLocation,
		Status:          res.Status,
	}
	if res.Message != nil {
		p.MessageID = res.Message.ID
		p.Seq = res.Message.Seq
		p.CreatedAt = res.Message.CreatedAt
	}
	return p
}

// origin 记录一次请求来自哪里，用于广播时排除发起者以及事件审计。
type origin struct {
	Transport string
	RequestID string
	SessionID string
}

// EnqueueFunc 把回合任务投递到异步队列。
type EnqueueFunc func(ctx context.Context, task tasks.TurnTask) error

// Gateway 把 HTTP 与 WebSocket 两种传输映射到同一个回合引擎，
// 并负责成功回合的广播与事件发布。
type Gateway struct {
	engine  service.TurnEngine
	hub     *SessionHub
	events  service.TurnEventPublisher
	enqueue EnqueueFunc
}

// NewGateway 创建 Gateway。hub、events、enqueue 均可为 nil；
// enqueue 为 nil 时异步推进在本进程的后台 goroutine 中执行。
func NewGateway(engine service.TurnEngine, hub *SessionHub, events service.TurnEventPublisher, enqueue EnqueueFunc) *Gateway {
	if events == nil {
		events = service.NopEventPublisher{}
	}
	return &Gateway{engine: engine, hub: hub, events: events, enqueue: enqueue}
}

// RoomController 执行一次管理员分析回合。
func (g *Gateway) RoomController(ctx context.Context, req turnRequest, o origin) (*turnPayload, error) {
	res, err := g.engine.RunAdminTurn(ctx, service.AdminTurnRequest{
		RoomID:            strings.TrimSpace(req.RoomID),
		WorldBackground:   req.WorldBackground,
		CharacterSettings: req.CharacterSettings,
	})
	return g.finish(res, err, o)
}

// CharacterController 执行一次角色发言回合。
func (g *Gateway) CharacterController(ctx context.Context, req turnRequest, o origin) (*turnPayload, error) {
	res, err := g.engine.RunCharacterTurn(ctx, service.CharacterTurnRequest{
		RoomID:            strings.TrimSpace(req.RoomID),
		WorldBackground:   req.WorldBackground,
		CharacterSettings: req.CharacterSettings,
		AdminAnalysis:     req.AdminAnalysis,
		CharacterName:     req.CharacterName,
	})
	return g.finish(res, err, o)
}

// Opening 写入旁白开场白。
func (g *Gateway) Opening(ctx context.Context, roomID, content string, o origin) (*turnPayload, error) {
	res, err := g.engine.SeedOpening(ctx, roomID, content)
	return g.finish(res, err, o)
}

// Advance 同步执行房间的下一步。
func (g *Gateway) Advance(ctx context.Context, roomID string, o origin) (*turnPayload, error) {
	res, err := g.engine.Advance(ctx, roomID)
	return g.finish(res, err, o)
}

// State 返回房间的编排状态。
func (g *Gateway) State(ctx context.Context, roomID string) (*service.RoomState, error) {
	return g.engine.NextStep(ctx, roomID)
}

// EnqueueAdvance 异步推进房间，返回任务 ID。
func (g *Gateway) EnqueueAdvance(ctx context.Context, roomID, requestID string) (string, error) {
	if _, err := g.engine.NextStep(ctx, roomID); err != nil {
		return "", err
	}
	task := tasks.TurnTask{
		TaskID:     uuid.NewString(),
		RoomID:     roomID,
		RequestID:  requestID,
		EnqueuedAt: time.Now(),
	}
	if g.enqueue == nil {
		go func() {
			if err := g.Process(context.Background(), task); err != nil {
				log.Warnf("后台推进房间失败: roomID=%s, error=%v", roomID, err)
			}
		}()
		return task.TaskID, nil
	}
	if err := g.enqueue(ctx, task); err != nil {
		return "", service.NewStoreUnavailableError("投递回合任务失败", err)
	}
	return task.TaskID, nil
}

// Process 实现 kafka.TaskProcessor。只有可重试的失败才返回错误。
func (g *Gateway) Process(ctx context.Context, task tasks.TurnTask) error {
	_, err := g.Advance(ctx, task.RoomID, origin{Transport: transportQueue, RequestID: task.RequestID})
	if err != nil && !service.IsRetryable(err) {
		log.Warnf("回合任务无法执行，放弃: TaskID=%s, error=%v", task.TaskID, err)
		return nil
	}
	return err
}

func (g *Gateway) finish(res *service.TurnResult, err error, o origin) (*turnPayload, error) {
	if err != nil {
		log.Warnw("回合执行失败", "transport", o.Transport, "requestID", o.RequestID, "code", service.CodeOf(err), "error", err)
		return nil, err
	}
	payload := newTurnPayload(res)
	if g.hub != nil {
		g.hub.Broadcast(res.RoomID, serverEvent{Event: eventTurnBroadcast, RequestID: o.RequestID, Data: payload}, o.SessionID)
	}

	go g.publish(service.NewTurnEvent(uuid.NewString(), res, o.RequestID, o.Transport))
	return payload, nil
}

func (g *Gateway) publish(event service.TurnEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.events.PublishTurnEvent(ctx, event); err != nil {
		log.Warnf("发布回合事件失败: roomID=%s, error=%v", event.RoomID, err)
	}
}
