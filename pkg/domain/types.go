package domain

import "time"

type VoiceModelStatus string

const (
	VoiceModelTraining VoiceModelStatus = "training"
	VoiceModelReady    VoiceModelStatus = "ready"
	VoiceModelFailed   VoiceModelStatus = "failed"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AudioFile is one uploaded training recording.
type AudioFile struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Filename     string            `json:"filename"`
	OriginalName string            `json:"originalName"`
	StorageKey   string            `json:"-"`
	SizeBytes    int64             `json:"fileSize"`
	Duration     float64           `json:"duration"`
	Quality      string            `json:"quality"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// VoiceModel is the per-user training progress record. At most one exists
// per user; it is created lazily on the first audio upload.
type VoiceModel struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Status          VoiceModelStatus `json:"status"`
	Progress        int              `json:"progress"`
	TotalAudioFiles int              `json:"totalAudioFiles"`
	TotalDuration   float64          `json:"totalDuration"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Personality holds the free-form persona description used to build
// generation prompts. Group values are plain string attributes.
type Personality struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	LovedOneName     string            `json:"lovedOneName"`
	LovedOneRelation string            `json:"lovedOneRelation"`
	Traits           map[string]string `json:"traits,omitempty"`
	Memories         map[string]string `json:"memories,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message belongs to exactly one chat and is immutable once created.
// AudioURL and AudioDuration are only populated on assistant messages.
type Message struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chatId"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	AudioURL      string    `json:"audioUrl,omitempty"`
	AudioDuration float64   `json:"audioDuration,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MemoryCapsule is a frozen snapshot of a conversation's summary
// statistics. It is never updated after creation.
type MemoryCapsule struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	ChatID        string    `json:"chatId"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Icon          string    `json:"icon,omitempty"`
	MessageCount  int       `json:"messageCount"`
	TotalDuration float64   `json:"totalDuration"`
	CreatedAt     time.Time `json:"createdAt"`
}
