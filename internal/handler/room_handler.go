package handler

import (
	"net/http"

	"chat-room-go/internal/service"

	"github.com/gin-gonic/gin"
)

// RoomHandler 处理房间、角色与消息记录的 API 请求。
type RoomHandler struct {
	service service.RoomService
}

// NewRoomHandler 创建一个新的 RoomHandler。
func NewRoomHandler(service service.RoomService) *RoomHandler {
	return &RoomHandler{service: service}
}

type createRoomRequest struct {
	Name      string `json:"name"`
	Worldview string `json:"worldview"`
	CreatorID string `json:"creator_id"`
}

type createCharacterRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type createMessageRequest struct {
	RoomID      string `json:"room_id"`
	CharacterID string `json:"character_id"`
	Content     string `json:"content"`
}

// CreateRoom 创建房间，同时生成管理员和旁白。
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	room, err := h.service.CreateRoom(c.Request.Context(), req.Name, req.Worldview, req.CreatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, room)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.service.ListRooms(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, rooms)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.service.GetRoom(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, room)
}

// Readiness 报告房间阵容是否满足编排要求。
func (h *RoomHandler) Readiness(c *gin.Context) {
	r, err := h.service.Readiness(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, r)
}

func (h *RoomHandler) CreateCharacter(c *gin.Context) {
	var req createCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	character, err := h.service.CreateCharacter(c.Request.Context(), req.RoomID, req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, character)
}

func (h *RoomHandler) ListCharacters(c *gin.Context) {
	characters, err := h.service.ListCharacters(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, characters)
}

// ListMessages 返回房间的完整对话记录。
func (h *RoomHandler) ListMessages(c *gin.Context) {
	messages, err := h.service.ListMessages(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, messages)
}

func (h *RoomHandler) CreateMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	msg, err := h.service.CreateMessage(c.Request.Context(), req.RoomID, req.CharacterID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, msg)
}
