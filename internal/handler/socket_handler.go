package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"chat-room-go/internal/service"
	"chat-room-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventConnection          = "connection"
	eventRoomController      = "room_controller"
	eventCharacterController = "character_controller"
	eventJoinRoom            = "join_room"
	eventLeaveRoom           = "leave_room"
	eventPing                = "ping"
	eventTurnBroadcast       = "turn_broadcast"
	eventError               = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// clientEnvelope 是客户端发来的事件信封。
type clientEnvelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type roomRef struct {
	RoomID string `json:"room_id"`
}

// SocketHandler 负责处理 WebSocket 连接上的回合请求。
type SocketHandler struct {
	gateway *Gateway
	hub     *SessionHub
	rooms   service.RoomService
}

// NewSocketHandler 创建一个新的 SocketHandler。
func NewSocketHandler(gateway *Gateway, hub *SessionHub, rooms service.RoomService) *SocketHandler {
	return &SocketHandler{gateway: gateway, hub: hub, rooms: rooms}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *SocketHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	session := h.hub.Register(conn)
	defer h.hub.Unregister(session)

	session.Send(serverEvent{
		Event: eventConnection + "_response",
		Data:  gin.H{"session_id": session.ID, "status": "connected"},
	})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(session, message)
	}
}

func (h *SocketHandler) dispatch(session *Session, message []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(message, &env); err != nil || strings.TrimSpace(env.Event) == "" {
		h.sendError(session, eventError, env.RequestID, service.NewProtocolError("无法解析的事件信封", err))
		return
	}

	switch env.Event {
	case eventPing:
		session.Send(serverEvent{Event: eventPing + "_response", RequestID: env.RequestID, Data: gin.H{"time": time.Now().UnixMilli()}})

	case eventJoinRoom, eventLeaveRoom:
		h.handleMembership(session, env)

	case eventRoomController, eventCharacterController:
		var req turnRequest
		if err := decodeData(env.Data, &req); err != nil {
			h.sendError(session, env.Event+"_response", env.RequestID, service.NewProtocolError("请求数据格式错误", err))
			return
		}
		o := origin{Transport: transportSocket, RequestID: env.RequestID, SessionID: session.ID}
		// 回合与会话生命周期解耦：连接断开后回合继续执行，结果直接丢弃
		go h.runTurn(session, env, req, o)

	default:
		h.sendError(session, eventError, env.RequestID, service.NewProtocolError("未知事件: "+env.Event, nil))
	}
}

func (h *SocketHandler) runTurn(session *Session, env clientEnvelope, req turnRequest, o origin) {
	var (
		payload *turnPayload
		err     error
	)
	ctx := context.Background()
	if env.Event == eventRoomController {
		payload, err = h.gateway.RoomController(ctx, req, o)
	} else {
		payload, err = h.gateway.CharacterController(ctx, req, o)
	}
	if err != nil {
		h.sendError(session, env.Event+"_response", env.RequestID, err)
		return
	}
	if !session.Send(serverEvent{Event: env.Event + "_response", RequestID: env.RequestID, Data: payload}) {
		log.Infof("会话 %s 已不可投递，回合结果被丢弃: roomID=%s", session.ID, payload.RoomID)
	}
}

func (h *SocketHandler) handleMembership(session *Session, env clientEnvelope) {
	respEvent := env.Event + "_response"
	var ref roomRef
	if err := decodeData(env.Data, &ref); err != nil || strings.TrimSpace(ref.RoomID) == "" {
		h.sendError(session, respEvent, env.RequestID, service.NewProtocolError("room_id 不能为空", err))
		return
	}

	if env.Event == eventLeaveRoom {
		h.hub.Leave(session, ref.RoomID)
		session.Send(serverEvent{Event: respEvent, RequestID: env.RequestID, Data: gin.H{"room_id": ref.RoomID}})
		return
	}

	if _, err := h.rooms.GetRoom(context.Background(), ref.RoomID); err != nil {
		h.sendError(session, respEvent, env.RequestID, err)
		return
	}
	members := h.hub.Join(session, ref.RoomID)
	session.Send(serverEvent{Event: respEvent, RequestID: env.RequestID, Data: gin.H{"room_id": ref.RoomID, "members": members}})
}

func (h *SocketHandler) sendError(session *Session, event, requestID string, err error) {
	body := toErrorBody(err)
	session.Send(serverEvent{Event: event, RequestID: requestID, Error: &body})
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(data, v)
}
