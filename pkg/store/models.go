package store

import (
	"time"

	"gorm.io/datatypes"
)

type userModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Email        string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userModel) TableName() string { return "users" }

type audioFileModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       string `gorm:"size:64;index;not null"`
	Filename     string `gorm:"size:255;not null"`
	OriginalName string `gorm:"size:255;not null"`
	StorageKey   string `gorm:"size:512;not null"`
	SizeBytes    int64  `gorm:"not null"`
	Duration     float64
	Quality      string            `gorm:"size:32"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (audioFileModel) TableName() string { return "audio_files" }

type voiceModelModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	UserID          string `gorm:"size:64;uniqueIndex;not null"`
	Status          string `gorm:"size:32;not null"`
	Progress        int    `gorm:"not null"`
	TotalAudioFiles int    `gorm:"not null"`
	TotalDuration   float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (voiceModelModel) TableName() string { return "voice_models" }

type personalityModel struct {
	ID               string            `gorm:"primaryKey;size:64"`
	UserID           string            `gorm:"size:64;uniqueIndex;not null"`
	LovedOneName     string            `gorm:"size:255;not null"`
	LovedOneRelation string            `gorm:"size:255"`
	Traits           datatypes.JSONMap `gorm:"type:jsonb"`
	Memories         datatypes.JSONMap `gorm:"type:jsonb"`
	Preferences      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (personalityModel) TableName() string { return "personalities" }

type chatModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:64;index;not null"`
	Title     string `gorm:"size:255;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (chatModel) TableName() string { return "chats" }

type messageModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	ChatID        string `gorm:"size:64;index;not null"`
	Role          string `gorm:"size:16;not null"`
	Content       string `gorm:"type:text;not null"`
	AudioURL      string `gorm:"size:512"`
	AudioDuration float64
	CreatedAt     time.Time
}

func (messageModel) TableName() string { return "messages" }

type memoryCapsuleModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	UserID        string `gorm:"size:64;index;not null"`
	ChatID        string `gorm:"size:64;not null"`
	Title         string `gorm:"size:255;not null"`
	Description   string `gorm:"type:text"`
	Icon          string `gorm:"size:64"`
	MessageCount  int    `gorm:"not null"`
	TotalDuration float64
	CreatedAt     time.Time
}

func (memoryCapsuleModel) TableName() string { return "memory_capsules" }
