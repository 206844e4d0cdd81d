package repository

import (
	"context"

	"chat-room-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository 定义了对话日志的持久化操作。日志只追加，不提供修改和删除。
type MessageRepository interface {
	// Append 原子地为消息分配房间内的下一个 Seq 并写入。
	Append(ctx context.Context, msg *model.Message) error
	// FindByRoom 按 Seq 升序返回房间的全部消息。
	FindByRoom(ctx context.Context, roomID string) ([]model.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Append 在事务中锁定房间行，保证同一房间的追加互斥，再以 MAX(seq)+1 写入。
// (room_id, seq) 上的唯一索引兜底。
func (r *messageRepository) Append(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room model.Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", msg.RoomID).First(&room).Error; err != nil {
			return translate(err)
		}

		var last int64
		if err := tx.Model(&model.Message{}).
			Where("room_id = ?", msg.RoomID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		msg.Seq = last + 1
		return tx.Create(msg).Error
	})
}

func (r *messageRepository) FindByRoom(ctx context.Context, roomID string) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("seq ASC").Find(&messages).Error
	return messages, err
}
