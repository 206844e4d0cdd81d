// Package tasks 定义了通过 Kafka 传递的任务结构。
package tasks

import "time"

// TurnTask 请求后台为房间推进一步编排。
type TurnTask struct {
	TaskID     string    `json:"task_id"`
	RoomID     string    `json:"room_id"`
	RequestID  string    `json:"request_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
