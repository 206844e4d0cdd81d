// Package fanout 通过 Redis 发布订阅把房间广播转发给其他服务实例。
package fanout

import (
	"context"
	"encoding/json"

	"chat-room-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Handler 接收来自其他实例的房间广播。
type Handler func(roomID string, payload []byte)

type envelope struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus 在单个频道上收发房间广播，并忽略本实例自己发出的消息。
type RedisBus struct {
	rdb     *redis.Client
	channel string
	origin  string
}

// NewRedisBus 创建一个 RedisBus，每个实例拥有唯一的 origin。
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, origin: uuid.NewString()}
}

// Publish 把 payload 广播给其他实例上加入该房间的会话。payload 必须是合法 JSON。
func (b *RedisBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	data, err := encode(b.origin, roomID, payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Subscribe 阻塞接收广播直到 ctx 结束。
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	log.Infof("已订阅房间广播频道 '%s'", b.channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, payload, ok := decode(b.origin, []byte(msg.Payload))
			if !ok {
				continue
			}
			handler(roomID, payload)
		}
	}
}

func encode(origin, roomID string, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, RoomID: roomID, Payload: payload})
}

// decode 解析广播，丢弃格式错误以及本实例发出的消息。
func decode(origin string, data []byte) (string, []byte, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warnf("忽略无法解析的房间广播: %v", err)
		return "", nil, false
	}
	if env.Origin == origin || env.RoomID == "" {
		return "", nil, false
	}
	return env.RoomID, env.Payload, true
}
