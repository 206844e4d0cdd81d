// Package model 包含了应用的数据模型定义。
package model

import "time"

// Room 是一个对话空间：世界观描述加上一组角色。
type Room struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	Worldview string    `gorm:"type:text" json:"worldview"`
	CreatorID string    `gorm:"type:varchar(36)" json:"creator_id,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Room) TableName() string {
	return "rooms"
}
