// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-room-go/internal/config"
	"chat-room-go/pkg/database"
	"chat-room-go/pkg/log"
	"chat-room-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxTaskAttempts 是同一任务失败后放弃重试前的最大处理次数。
const maxTaskAttempts = 3

// TaskProcessor 处理一条回合任务。返回错误表示任务可以重试。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.TurnTask) error
}

var (
	producer    *kafka.Writer
	eventWriter *kafka.Writer
)

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// InitProducer 初始化任务与事件两个 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	addr := kafka.TCP(brokerList(cfg.Brokers)...)
	producer = &kafka.Writer{
		Addr:         addr,
		Topic:        cfg.TaskTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	eventWriter = &kafka.Writer{
		Addr:         addr,
		Topic:        cfg.EventTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceTurnTask 发送一个回合任务到 Kafka，以房间 ID 为 key 保证同一房间的任务有序。
func ProduceTurnTask(ctx context.Context, task tasks.TurnTask) error {
	if producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.RoomID),
		Value: taskBytes,
	})
}

// PublishEvent 把事件写入事件主题。
func PublishEvent(ctx context.Context, key string, event interface{}) error {
	if eventWriter == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return eventWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// Close 关闭所有生产者。
func Close() {
	for _, w := range []*kafka.Writer{producer, eventWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}

// messageReader 是消费循环用到的 kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartConsumer 启动一个 Kafka 消费者来处理回合任务，直到 ctx 结束。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.TaskTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.TaskTopic)
	consume(ctx, r, processor, cfg.RetryBackoff)
}

// consume 逐条处理消息。FetchMessage 之后读位置已经前移，
// 所以失败的任务在原地重试，处理完成或放弃后才提交 offset。
func consume(ctx context.Context, r messageReader, processor TaskProcessor, backoff time.Duration) {
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			return
		}

		var task tasks.TurnTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if !processWithRetry(ctx, processor, task, backoff) {
			// 停机中断，不提交，重启后重新投递
			return
		}
		commit(ctx, r, m)
	}
}

// processWithRetry 处理任务直到成功或达到重试上限，返回 false 表示 ctx 已结束。
func processWithRetry(ctx context.Context, processor TaskProcessor, task tasks.TurnTask, backoff time.Duration) bool {
	taskLog := log.With("taskID", task.TaskID, "roomID", task.RoomID)
	for attempt := 1; ; attempt++ {
		taskLog.Infof("开始处理回合任务: attempt=%d", attempt)
		err := processor.Process(ctx, task)
		if err == nil {
			taskLog.Infof("回合任务处理成功")
			clearAttempts(ctx, task.TaskID)
			return true
		}
		taskLog.Errorf("处理回合任务失败: %v", err)
		if giveUp(ctx, task.TaskID, attempt) {
			taskLog.Errorf("回合任务多次失败，提交 offset 终止重试")
			clearAttempts(ctx, task.TaskID)
			return true
		}

		timer := time.NewTimer(backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func attemptsKey(taskID string) string {
	return fmt.Sprintf("kafka:attempts:%s", taskID)
}

// giveUp 记录一次失败并判断是否达到上限。启用 Redis 时计数跨重启累计，
// 否则只按本进程内的尝试次数计算。
func giveUp(ctx context.Context, taskID string, attempt int) bool {
	if database.RDB == nil {
		return attempt >= maxTaskAttempts
	}
	key := attemptsKey(taskID)
	attempts, err := database.RDB.Incr(ctx, key).Result()
	if err != nil {
		log.Warnf("记录任务失败次数失败: TaskID=%s, error=%v", taskID, err)
		return attempt >= maxTaskAttempts
	}
	_ = database.RDB.Expire(ctx, key, 24*time.Hour).Err()
	return attempts >= maxTaskAttempts
}

func clearAttempts(ctx context.Context, taskID string) {
	if database.RDB != nil {
		_ = database.RDB.Del(ctx, attemptsKey(taskID)).Err()
	}
}

func commit(ctx context.Context, r messageReader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
