package model

import "time"

// Message 是对话日志中的一条记录，一旦写入不再修改。
// Seq 是消息在房间内的位置，从 1 开始严格递增。
type Message struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomID          string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_room_seq,priority:1" json:"room_id"`
	Seq             int64     `gorm:"not null;uniqueIndex:idx_room_seq,priority:2" json:"seq"`
	CharacterID     string    `gorm:"type:varchar(36);index;not null" json:"character_id"`
	CharacterName   string    `gorm:"type:varchar(50)" json:"character_name"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	CurrentLocation string    `gorm:"type:varchar(100)" json:"current_location,omitempty"`
	Status          string    `gorm:"type:varchar(50)" json:"status,omitempty"`
	NextSpeaker     string    `gorm:"type:varchar(50)" json:"next_speaker,omitempty"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
}

func (Message) TableName() string {
	return "conversations"
}
