// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-room-go/internal/config"
	"chat-room-go/internal/handler"
	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"
	"chat-room-go/internal/service"
	"chat-room-go/pkg/database"
	"chat-room-go/pkg/fanout"
	"chat-room-go/pkg/kafka"
	"chat-room-go/pkg/llm"
	"chat-room-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("CHATROOM_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化记录存储
	var (
		roomRepo      repository.RoomRepository
		characterRepo repository.CharacterRepository
		messageRepo   repository.MessageRepository
	)
	switch cfg.Store.Driver {
	case "mysql":
		database.InitMySQL(cfg.Database.MySQL.DSN)
		database.AutoMigrate(&model.Room{}, &model.Character{}, &model.Message{})
		roomRepo = repository.NewRoomRepository(database.DB)
		characterRepo = repository.NewCharacterRepository(database.DB)
		messageRepo = repository.NewMessageRepository(database.DB)
	default:
		log.Warnf("使用内存存储，重启后数据将丢失 (store.driver=%q)", cfg.Store.Driver)
		store := repository.NewMemoryStore()
		roomRepo, characterRepo, messageRepo = store.Rooms(), store.Characters(), store.Messages()
	}

	// 4. Redis 负责跨实例广播
	var bus handler.RoomBus
	var redisBus *fanout.RedisBus
	if cfg.Database.Redis.Enabled {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		defer database.CloseRedis()
		redisBus = fanout.NewRedisBus(database.RDB, cfg.Database.Redis.Channel)
		bus = redisBus
	}

	// 5. 初始化 Service (依赖注入)
	roles := service.Roles{Narrator: cfg.Roles.Narrator, Admin: cfg.Roles.Admin, MinRoster: cfg.Roles.MinRoster}
	convLog := service.NewConversationLog(messageRepo)
	roomService := service.NewRoomService(roomRepo, characterRepo, convLog, roles)
	engine := service.NewTurnEngine(roomRepo, characterRepo, convLog, llm.NewClient(cfg.LLM), service.EngineOptions{
		GenerationTimeout: cfg.Turn.GenerationTimeout,
		MaxAttempts:       cfg.Turn.MaxAttempts,
		RetryBackoff:      cfg.Turn.RetryBackoff,
		HistoryLimit:      cfg.Turn.HistoryLimit,
		AdminEvery:        cfg.Turn.AdminEvery,
		SerializePerRoom:  cfg.Turn.SerializePerRoom,
		Roles:             roles,
	})

	// 6. Kafka：回合任务队列与回合事件
	var (
		events  service.TurnEventPublisher
		enqueue handler.EnqueueFunc
	)
	if cfg.Kafka.Enabled {
		kafka.InitProducer(cfg.Kafka)
		defer kafka.Close()
		events = service.EventPublisherFunc(func(ctx context.Context, ev service.TurnEvent) error {
			return kafka.PublishEvent(ctx, ev.RoomID, ev)
		})
		enqueue = kafka.ProduceTurnTask
	}

	hub := handler.NewSessionHub(bus)
	defer hub.Close()
	gateway := handler.NewGateway(engine, hub, events, enqueue)

	// 7. 启动后台消费者
	if cfg.Kafka.Enabled {
		go kafka.StartConsumer(rootCtx, cfg.Kafka, gateway)
	}
	if redisBus != nil {
		go func() {
			if err := redisBus.Subscribe(rootCtx, hub.DeliverRemote); err != nil {
				log.Error("房间广播订阅失败", err)
			}
		}()
	}

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Dependencies{Rooms: roomService, Gateway: gateway, Hub: hub})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 停止 Kafka 消费者与 Redis 订阅
	stop()
	log.Info("服务已优雅关闭")
}
