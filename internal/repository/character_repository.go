package repository

import (
	"context"

	"chat-room-go/internal/model"

	"gorm.io/gorm"
)

// CharacterRepository 定义了角色数据的持久化操作。
type CharacterRepository interface {
	Create(ctx context.Context, character *model.Character) error
	FindByRoom(ctx context.Context, roomID string) ([]model.Character, error)
}

type characterRepository struct {
	db *gorm.DB
}

// NewCharacterRepository 创建一个新的 CharacterRepository 实例。
func NewCharacterRepository(db *gorm.DB) CharacterRepository {
	return &characterRepository{db: db}
}

func (r *characterRepository) Create(ctx context.Context, character *model.Character) error {
	return r.db.WithContext(ctx).Create(character).Error
}

// FindByRoom 按创建顺序返回房间的全部角色。
func (r *characterRepository) FindByRoom(ctx context.Context, roomID string) ([]model.Character, error) {
	var characters []model.Character
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at ASC").Find(&characters).Error
	return characters, err
}
