package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"everecho/pkg/domain"
)

// migrationLockID serializes AutoMigrate across replicas starting at once.
const migrationLockID int64 = 744_221_907

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs schema migration.
func NewGormStore(databaseURL string) (*GormStore, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Exec("SELECT pg_advisory_lock(?)", migrationLockID).Error; err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	migrateErr := db.AutoMigrate(
		&userModel{},
		&audioFileModel{},
		&voiceModelModel{},
		&personalityModel{},
		&chatModel{},
		&messageModel{},
		&memoryCapsuleModel{},
	)
	if unlockErr := db.Exec("SELECT pg_advisory_unlock(?)", migrationLockID).Error; unlockErr != nil && migrateErr == nil {
		migrateErr = fmt.Errorf("release migration lock: %w", unlockErr)
	}
	if migrateErr != nil {
		return nil, fmt.Errorf("migrate schema: %w", migrateErr)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveUser(ctx context.Context, user domain.User) error {
	model := userModel{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&userModel{}).Where("email = ?", email).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count user email: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model userModel
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user by email: %w", err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model userModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) SaveAudioFile(ctx context.Context, file domain.AudioFile) error {
	model := audioFileModel{
		ID:           file.ID,
		UserID:       file.UserID,
		Filename:     file.Filename,
		OriginalName: file.OriginalName,
		StorageKey:   file.StorageKey,
		SizeBytes:    file.SizeBytes,
		Duration:     file.Duration,
		Quality:      file.Quality,
		Metadata:     jsonMapFromStrings(file.Metadata),
		CreatedAt:    file.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("save audio file: %w", err)
	}
	return nil
}

func (s *GormStore) GetAudioFile(ctx context.Context, id string) (domain.AudioFile, bool, error) {
	var model audioFileModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AudioFile{}, false, nil
	}
	if err != nil {
		return domain.AudioFile{}, false, fmt.Errorf("get audio file: %w", err)
	}
	return audioFileFromModel(model), true, nil
}

func (s *GormStore) ListAudioFilesByUser(ctx context.Context, userID string) ([]domain.AudioFile, error) {
	var models []audioFileModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list audio files: %w", err)
	}
	files := make([]domain.AudioFile, 0, len(models))
	for _, model := range models {
		files = append(files, audioFileFromModel(model))
	}
	return files, nil
}

func (s *GormStore) DeleteAudioFile(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&audioFileModel{}).Error; err != nil {
		return fmt.Errorf("delete audio file: %w", err)
	}
	return nil
}

func (s *GormStore) GetVoiceModelByUser(ctx context.Context, userID string) (domain.VoiceModel, bool, error) {
	var model voiceModelModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.VoiceModel{}, false, nil
	}
	if err != nil {
		return domain.VoiceModel{}, false, fmt.Errorf("get voice model: %w", err)
	}
	return voiceModelFromModel(model), true, nil
}

// RecordIngestedAudio seeds the row on first upload, then applies a single
// guarded UPDATE so concurrent uploads never lose counts.
func (s *GormStore) RecordIngestedAudio(ctx context.Context, userID string, duration float64, progressStep, readyThreshold int) (domain.VoiceModel, error) {
	now := time.Now().UTC()
	seed := voiceModelModel{
		ID:              newModelID(),
		UserID:          userID,
		Status:          string(domain.VoiceModelTraining),
		Progress:        0,
		TotalAudioFiles: 0,
		TotalDuration:   0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return domain.VoiceModel{}, fmt.Errorf("seed voice model: %w", err)
	}

	var updated voiceModelModel
	err = s.db.WithContext(ctx).
		Model(&updated).
		Clauses(clause.Returning{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_audio_files": gorm.Expr("total_audio_files + 1"),
			"total_duration":    gorm.Expr("total_duration + ?", duration),
			"progress":          gorm.Expr("LEAST(progress + ?, 100)", progressStep),
			"status": gorm.Expr(
				"CASE WHEN status = ? AND total_audio_files + 1 >= ? THEN ? ELSE status END",
				string(domain.VoiceModelTraining), readyThreshold, string(domain.VoiceModelReady),
			),
			"updated_at": now,
		}).Error
	if err != nil {
		return domain.VoiceModel{}, fmt.Errorf("record ingested audio: %w", err)
	}
	return voiceModelFromModel(updated), nil
}

func (s *GormStore) SetVoiceModelStatus(ctx context.Context, userID string, status domain.VoiceModelStatus) error {
	err := s.db.WithContext(ctx).
		Model(&voiceModelModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("set voice model status: %w", err)
	}
	return nil
}

func (s *GormStore) UpsertPersonality(ctx context.Context, personality domain.Personality) error {
	model := personalityModel{
		ID:               personality.ID,
		UserID:           personality.UserID,
		LovedOneName:     personality.LovedOneName,
		LovedOneRelation: personality.LovedOneRelation,
		Traits:           jsonMapFromStrings(personality.Traits),
		Memories:         jsonMapFromStrings(personality.Memories),
		Preferences:      jsonMapFromStrings(personality.Preferences),
		CreatedAt:        personality.CreatedAt,
		UpdatedAt:        personality.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"loved_one_name", "loved_one_relation", "traits", "memories", "preferences", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upsert personality: %w", err)
	}
	return nil
}

func (s *GormStore) GetPersonalityByUser(ctx context.Context, userID string) (domain.Personality, bool, error) {
	var model personalityModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Personality{}, false, nil
	}
	if err != nil {
		return domain.Personality{}, false, fmt.Errorf("get personality: %w", err)
	}
	return personalityFromModel(model), true, nil
}

func (s *GormStore) CreateChat(ctx context.Context, chat domain.Chat) error {
	model := chatModel{
		ID:        chat.ID,
		UserID:    chat.UserID,
		Title:     chat.Title,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model chatModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Chat{}, false, nil
	}
	if err != nil {
		return domain.Chat{}, false, fmt.Errorf("get chat: %w", err)
	}
	return chatFromModel(model), true, nil
}

func (s *GormStore) ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error) {
	var models []chatModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, model := range models {
		chats = append(chats, chatFromModel(model))
	}
	return chats, nil
}

func (s *GormStore) TouchChat(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&chatModel{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *GormStore) AppendMessage(ctx context.Context, message domain.Message) error {
	model := messageModel{
		ID:            message.ID,
		ChatID:        message.ChatID,
		Role:          message.Role,
		Content:       message.Content,
		AudioURL:      message.AudioURL,
		AudioDuration: message.AudioDuration,
		CreatedAt:     message.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GormStore) ListMessagesByChat(ctx context.Context, chatID string) ([]domain.Message, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]domain.Message, 0, len(models))
	for _, model := range models {
		messages = append(messages, messageFromModel(model))
	}
	return messages, nil
}

func (s *GormStore) SaveMemoryCapsule(ctx context.Context, capsule domain.MemoryCapsule) error {
	model := memoryCapsuleModel{
		ID:            capsule.ID,
		UserID:        capsule.UserID,
		ChatID:        capsule.ChatID,
		Title:         capsule.Title,
		Description:   capsule.Description,
		Icon:          capsule.Icon,
		MessageCount:  capsule.MessageCount,
		TotalDuration: capsule.TotalDuration,
		CreatedAt:     capsule.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("save memory capsule: %w", err)
	}
	return nil
}

func (s *GormStore) ListMemoryCapsulesByUser(ctx context.Context, userID string) ([]domain.MemoryCapsule, error) {
	var models []memoryCapsuleModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list memory capsules: %w", err)
	}
	capsules := make([]domain.MemoryCapsule, 0, len(models))
	for _, model := range models {
		capsules = append(capsules, memoryCapsuleFromModel(model))
	}
	return capsules, nil
}

func userFromModel(model userModel) domain.User {
	return domain.User{
		ID:           model.ID,
		Email:        model.Email,
		PasswordHash: model.PasswordHash,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

func audioFileFromModel(model audioFileModel) domain.AudioFile {
	return domain.AudioFile{
		ID:           model.ID,
		UserID:       model.UserID,
		Filename:     model.Filename,
		OriginalName: model.OriginalName,
		StorageKey:   model.StorageKey,
		SizeBytes:    model.SizeBytes,
		Duration:     model.Duration,
		Quality:      model.Quality,
		Metadata:     stringsFromJSONMap(model.Metadata),
		CreatedAt:    model.CreatedAt,
	}
}

func voiceModelFromModel(model voiceModelModel) domain.VoiceModel {
	return domain.VoiceModel{
		ID:              model.ID,
		UserID:          model.UserID,
		Status:          domain.VoiceModelStatus(model.Status),
		Progress:        model.Progress,
		TotalAudioFiles: model.TotalAudioFiles,
		TotalDuration:   model.TotalDuration,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}

func personalityFromModel(model personalityModel) domain.Personality {
	return domain.Personality{
		ID:               model.ID,
		UserID:           model.UserID,
		LovedOneName:     model.LovedOneName,
		LovedOneRelation: model.LovedOneRelation,
		Traits:           stringsFromJSONMap(model.Traits),
		Memories:         stringsFromJSONMap(model.Memories),
		Preferences:      stringsFromJSONMap(model.Preferences),
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}
}

func chatFromModel(model chatModel) domain.Chat {
	return domain.Chat{
		ID:        model.ID,
		UserID:    model.UserID,
		Title:     model.Title,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

func messageFromModel(model messageModel) domain.Message {
	return domain.Message{
		ID:            model.ID,
		ChatID:        model.ChatID,
		Role:          model.Role,
		Content:       model.Content,
		AudioURL:      model.AudioURL,
		AudioDuration: model.AudioDuration,
		CreatedAt:     model.CreatedAt,
	}
}

func memoryCapsuleFromModel(model memoryCapsuleModel) domain.MemoryCapsule {
	return domain.MemoryCapsule{
		ID:            model.ID,
		UserID:        model.UserID,
		ChatID:        model.ChatID,
		Title:         model.Title,
		Description:   model.Description,
		Icon:          model.Icon,
		MessageCount:  model.MessageCount,
		TotalDuration: model.TotalDuration,
		CreatedAt:     model.CreatedAt,
	}
}

func jsonMapFromStrings(values map[string]string) datatypes.JSONMap {
	if values == nil {
		return datatypes.JSONMap{}
	}
	out := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

func stringsFromJSONMap(values datatypes.JSONMap) map[string]string {
	if len(values) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		if text, ok := value.(string); ok {
			out[key] = text
		} else {
			out[key] = fmt.Sprint(value)
		}
	}
	return out
}
