package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"everecho/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]domain.User
	usersByEmail  map[string]string
	audioFiles    map[string]domain.AudioFile
	voiceModels   map[string]domain.VoiceModel
	personalities map[string]domain.Personality
	chats         map[string]domain.Chat
	messages      map[string][]domain.Message
	capsules      map[string][]domain.MemoryCapsule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		usersByEmail:  make(map[string]string),
		audioFiles:    make(map[string]domain.AudioFile),
		voiceModels:   make(map[string]domain.VoiceModel),
		personalities: make(map[string]domain.Personality),
		chats:         make(map[string]domain.Chat),
		messages:      make(map[string][]domain.Message),
		capsules:      make(map[string][]domain.MemoryCapsule),
	}
}

func (s *MemoryStore) SaveUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[user.ID]; ok {
		delete(s.usersByEmail, strings.ToLower(prev.Email))
	}
	s.users[user.ID] = user
	s.usersByEmail[strings.ToLower(user.Email)] = user.ID
	return nil
}

func (s *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.usersByEmail[strings.ToLower(email)]
	return ok, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	user, ok := s.users[id]
	return user, ok, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	return user, ok, nil
}

func (s *MemoryStore) SaveAudioFile(_ context.Context, file domain.AudioFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioFiles[file.ID] = file
	return nil
}

func (s *MemoryStore) GetAudioFile(_ context.Context, id string) (domain.AudioFile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.audioFiles[id]
	return file, ok, nil
}

func (s *MemoryStore) ListAudioFilesByUser(_ context.Context, userID string) ([]domain.AudioFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]domain.AudioFile, 0)
	for _, file := range s.audioFiles {
		if file.UserID == userID {
			files = append(files, file)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

func (s *MemoryStore) DeleteAudioFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.audioFiles, id)
	return nil
}

func (s *MemoryStore) GetVoiceModelByUser(_ context.Context, userID string) (domain.VoiceModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.voiceModels[userID]
	return model, ok, nil
}

func (s *MemoryStore) RecordIngestedAudio(_ context.Context, userID string, duration float64, progressStep, readyThreshold int) (domain.VoiceModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	model, ok := s.voiceModels[userID]
	if !ok {
		model = domain.VoiceModel{
			ID:        newModelID(),
			UserID:    userID,
			Status:    domain.VoiceModelTraining,
			CreatedAt: now,
		}
	}
	model.TotalAudioFiles++
	model.TotalDuration += duration
	model.Progress += progressStep
	if model.Progress > 100 {
		model.Progress = 100
	}
	if model.Status == domain.VoiceModelTraining && model.TotalAudioFiles >= readyThreshold {
		model.Status = domain.VoiceModelReady
	}
	model.UpdatedAt = now
	s.voiceModels[userID] = model
	return model, nil
}

func (s *MemoryStore) SetVoiceModelStatus(_ context.Context, userID string, status domain.VoiceModelStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.voiceModels[userID]
	if !ok {
		return nil
	}
	model.Status = status
	model.UpdatedAt = time.Now().UTC()
	s.voiceModels[userID] = model
	return nil
}

func (s *MemoryStore) UpsertPersonality(_ context.Context, personality domain.Personality) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.personalities[personality.UserID]; ok {
		personality.ID = prev.ID
		personality.CreatedAt = prev.CreatedAt
	}
	s.personalities[personality.UserID] = personality
	return nil
}

func (s *MemoryStore) GetPersonalityByUser(_ context.Context, userID string) (domain.Personality, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	personality, ok := s.personalities[userID]
	return personality, ok, nil
}

func (s *MemoryStore) CreateChat(_ context.Context, chat domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	return chat, ok, nil
}

func (s *MemoryStore) ListChatsByUser(_ context.Context, userID string) ([]domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]domain.Chat, 0)
	for _, chat := range s.chats {
		if chat.UserID == userID {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

func (s *MemoryStore) TouchChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil
	}
	chat.UpdatedAt = time.Now().UTC()
	s.chats[id] = chat
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, message domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ChatID] = append(s.messages[message.ChatID], message)
	return nil
}

func (s *MemoryStore) ListMessagesByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]domain.Message, len(s.messages[chatID]))
	copy(messages, s.messages[chatID])
	return messages, nil
}

func (s *MemoryStore) SaveMemoryCapsule(_ context.Context, capsule domain.MemoryCapsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsules[capsule.UserID] = append(s.capsules[capsule.UserID], capsule)
	return nil
}

func (s *MemoryStore) ListMemoryCapsulesByUser(_ context.Context, userID string) ([]domain.MemoryCapsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	capsules := make([]domain.MemoryCapsule, len(s.capsules[userID]))
	copy(capsules, s.capsules[userID])
	sort.Slice(capsules, func(i, j int) bool {
		return capsules[i].CreatedAt.After(capsules[j].CreatedAt)
	})
	return capsules, nil
}
