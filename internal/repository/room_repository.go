package repository

import (
	"context"

	"chat-room-go/internal/model"

	"gorm.io/gorm"
)

// RoomRepository 定义了房间数据的持久化操作。
type RoomRepository interface {
	// Create 在同一事务中创建房间以及它的初始角色。
	Create(ctx context.Context, room *model.Room, characters []model.Character) error
	FindByID(ctx context.Context, roomID string) (*model.Room, error)
	FindAll(ctx context.Context) ([]model.Room, error)
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository 创建一个新的 RoomRepository 实例。
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Create(ctx context.Context, room *model.Room, characters []model.Character) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		if len(characters) == 0 {
			return nil
		}
		return tx.Create(&characters).Error
	})
}

func (r *roomRepository) FindByID(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	if err := r.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// FindAll 按创建时间倒序返回所有房间。
func (r *roomRepository) FindAll(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rooms).Error
	return rooms, err
}
