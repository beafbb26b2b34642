package store

import (
	"context"

	"everecho/pkg/domain"
)

// Store is the persistence boundary for users, audio, voice models,
// personas, chats and memory capsules.
//
// Lookup methods return (value, found, error): found=false with a nil error
// means the row does not exist, a non-nil error means the lookup itself
// failed.
type Store interface {
	// Users.
	SaveUser(ctx context.Context, user domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// Audio files.
	SaveAudioFile(ctx context.Context, file domain.AudioFile) error
	GetAudioFile(ctx context.Context, id string) (domain.AudioFile, bool, error)
	ListAudioFilesByUser(ctx context.Context, userID string) ([]domain.AudioFile, error)
	DeleteAudioFile(ctx context.Context, id string) error

	// Voice models. RecordIngestedAudio atomically counts one accepted
	// upload against the user's voice model, creating the model on first
	// upload. Progress is capped at 100 and status flips to ready once the
	// file count reaches readyThreshold. Deletes never run it, so counters
	// only move forward.
	GetVoiceModelByUser(ctx context.Context, userID string) (domain.VoiceModel, bool, error)
	RecordIngestedAudio(ctx context.Context, userID string, duration float64, progressStep, readyThreshold int) (domain.VoiceModel, error)
	SetVoiceModelStatus(ctx context.Context, userID string, status domain.VoiceModelStatus) error

	// Persona profiles, one per user.
	UpsertPersonality(ctx context.Context, personality domain.Personality) error
	GetPersonalityByUser(ctx context.Context, userID string) (domain.Personality, bool, error)

	// Chats and messages.
	CreateChat(ctx context.Context, chat domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error)
	TouchChat(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, message domain.Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]domain.Message, error)

	// Memory capsules.
	SaveMemoryCapsule(ctx context.Context, capsule domain.MemoryCapsule) error
	ListMemoryCapsulesByUser(ctx context.Context, userID string) ([]domain.MemoryCapsule, error)
}

// SessionStore manages opaque bearer sessions.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
