package model

import "time"

// Character 是房间中的一个具名参与者。
type Character struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomID      string    `gorm:"type:varchar(36);index;not null" json:"room_id"`
	Name        string    `gorm:"type:varchar(50);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Character) TableName() string {
	return "characters"
}

// Setting 返回角色设定的文本形式 "名字: 描述"。
func (c Character) Setting() string {
	if c.Description == "" {
		return c.Name
	}
	return c.Name + ": " + c.Description
}

// FindCharacterByName 在角色列表中按名字查找，找不到返回 nil。
func FindCharacterByName(roster []Character, name string) *Character {
	for i := range roster {
		if roster[i].Name == name {
			return &roster[i]
		}
	}
	return nil
}
