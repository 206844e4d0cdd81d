package handler

import (
	"context"
	"net/http"

	"chat-room-go/internal/service"

	"github.com/gin-gonic/gin"
)

// TurnHandler 是回合引擎的 HTTP 入口。
type TurnHandler struct {
	gateway *Gateway
}

// NewTurnHandler 创建一个新的 TurnHandler。
func NewTurnHandler(gateway *Gateway) *TurnHandler {
	return &TurnHandler{gateway: gateway}
}

// detach 让回合不受客户端断开的影响。
func detach(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h *TurnHandler) origin(c *gin.Context) origin {
	return origin{Transport: transportHTTP, RequestID: requestID(c)}
}

// RoomController 处理管理员分析请求。
func (h *TurnHandler) RoomController(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	payload, err := h.gateway.RoomController(detach(c), req, h.origin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, payload)
}

// CharacterController 处理角色发言请求。
func (h *TurnHandler) CharacterController(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	payload, err := h.gateway.CharacterController(detach(c), req, h.origin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, payload)
}

// Opening 写入房间的旁白开场白。
func (h *TurnHandler) Opening(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NewProtocolError("请求数据格式错误", err))
		return
	}
	payload, err := h.gateway.Opening(detach(c), c.Param("room_id"), req.Content, h.origin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, payload)
}

// State 返回房间的编排状态。
func (h *TurnHandler) State(c *gin.Context) {
	state, err := h.gateway.State(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, state)
}

// Advance 推进房间一步。?async=true 时投递任务并立即返回 202。
func (h *TurnHandler) Advance(c *gin.Context) {
	roomID := c.Param("room_id")
	if c.Query("async") == "true" {
		taskID, err := h.gateway.EnqueueAdvance(c.Request.Context(), roomID, requestID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, http.StatusAccepted, gin.H{"task_id": taskID, "room_id": roomID})
		return
	}
	payload, err := h.gateway.Advance(detach(c), roomID, h.origin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, payload)
}
