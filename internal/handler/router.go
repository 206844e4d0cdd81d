package handler

import (
	"chat-room-go/internal/middleware"
	"chat-room-go/internal/service"

	"github.com/gin-gonic/gin"
)

// Dependencies 是注册路由所需的全部组件。
type Dependencies struct {
	Rooms   service.RoomService
	Gateway *Gateway
	Hub     *SessionHub
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	roomHandler := NewRoomHandler(deps.Rooms)
	turnHandler := NewTurnHandler(deps.Gateway)
	socketHandler := NewSocketHandler(deps.Gateway, deps.Hub, deps.Rooms)

	apiV1 := r.Group("/api/v1")
	{
		rooms := apiV1.Group("/rooms")
		{
			rooms.POST("", roomHandler.CreateRoom)
			rooms.GET("", roomHandler.ListRooms)
			rooms.GET("/:room_id", roomHandler.GetRoom)
			rooms.GET("/:room_id/readiness", roomHandler.Readiness)
			rooms.GET("/:room_id/characters", roomHandler.ListCharacters)
			rooms.GET("/:room_id/conversations", roomHandler.ListMessages)

			rooms.POST("/:room_id/opening", turnHandler.Opening)
			rooms.GET("/:room_id/state", turnHandler.State)
			rooms.POST("/:room_id/advance", turnHandler.Advance)
		}

		apiV1.POST("/characters", roomHandler.CreateCharacter)
		apiV1.POST("/conversations", roomHandler.CreateMessage)

		llm := apiV1.Group("/llm")
		{
			llm.POST("/room_controller", turnHandler.RoomController)
			llm.POST("/character_controller", turnHandler.CharacterController)
		}
	}

	r.GET("/ws", socketHandler.Handle)
	return r
}
