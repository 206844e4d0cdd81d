package handler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"chat-room-go/pkg/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// serverEvent 是服务端发往客户端的事件信封。
type serverEvent struct {
	Event     string      `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     *errorBody  `json:"error,omitempty"`
}

// RoomBus 把房间广播转发给其他服务实例。
type RoomBus interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
}

// Session 是一个 WebSocket 连接。出站消息经缓冲队列由唯一的写协程发送。
type Session struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed int32

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Send 把事件放入发送队列。会话已关闭或队列已满时丢弃并返回 false。
func (s *Session) Send(ev serverEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("序列化会话事件失败: %v", err)
		return false
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) bool {
	if s.IsClosed() {
		return false
	}
	select {
	case <-s.done:
		return false
	case s.send <- data:
		return true
	default:
		log.Warnf("会话 %s 发送队列已满，消息被丢弃", s.ID)
		return false
	}
}

// IsClosed 报告会话是否已关闭。
func (s *Session) IsClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *Session) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.done)
	}
}

func (s *Session) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// writePump 是会话唯一的写协程，负责发送队列中的消息以及心跳。
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("向会话 %s 写入失败: %v", s.ID, err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SessionHub 管理所有会话以及房间到会话集合的映射。
// 会话生命周期与房间状态相互独立：会话断开只影响投递，不影响正在执行的回合。
type SessionHub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	bus      RoomBus
}

// NewSessionHub 创建 SessionHub。bus 为 nil 时只在本实例内广播。
func NewSessionHub(bus RoomBus) *SessionHub {
	return &SessionHub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		bus:      bus,
	}
}

// Register 登记新连接并启动它的写协程。
func (h *SessionHub) Register(conn *websocket.Conn) *Session {
	s := &Session{
		ID:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	go s.writePump()
	log.Infof("WebSocket 会话已建立: %s", s.ID)
	return s
}

// Unregister 关闭会话并把它从所有房间中移除。
func (h *SessionHub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	for _, roomID := range s.joinedRooms() {
		h.removeLocked(roomID, s.ID)
	}
	h.mu.Unlock()
	s.close()
	log.Infof("WebSocket 会话已断开: %s", s.ID)
}

// Join 让会话订阅房间广播，返回房间当前的本地会话数。
func (h *SessionHub) Join(s *Session, roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Session)
	}
	h.rooms[roomID][s.ID] = s
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
	return len(h.rooms[roomID])
}

// Leave 取消会话对房间的订阅。
func (h *SessionHub) Leave(s *Session, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(roomID, s.ID)
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (h *SessionHub) removeLocked(roomID, sessionID string) {
	members := h.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Members 返回房间当前的本地会话数。
func (h *SessionHub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast 把事件发给加入房间的其他会话（except 除外），并经 bus 转发给其他实例。
func (h *SessionHub) Broadcast(roomID string, ev serverEvent, except string) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("序列化房间广播失败: %v", err)
		return
	}
	h.deliver(roomID, data, except)

	if h.bus != nil {
		// 跨实例转发不占用回合响应的时间
		go h.publishRemote(roomID, data)
	}
}

func (h *SessionHub) publishRemote(roomID string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.bus.Publish(ctx, roomID, data); err != nil {
		log.Warnf("跨实例广播失败: roomID=%s, error=%v", roomID, err)
	}
}

// DeliverRemote 投递来自其他实例的广播，只发给本实例的会话。
func (h *SessionHub) DeliverRemote(roomID string, payload []byte) {
	h.deliver(roomID, payload, "")
}

func (h *SessionHub) deliver(roomID string, data []byte, except string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[roomID]))
	for id, s := range h.rooms[roomID] {
		if id != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(data)
	}
}

// Close 关闭所有会话，用于优雅停机。
func (h *SessionHub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.rooms = make(map[string]map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
