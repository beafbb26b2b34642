package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"everecho/internal/util"
	"everecho/pkg/ai"
	"everecho/pkg/auth"
	"everecho/pkg/domain"
	"everecho/pkg/speech"
	"everecho/pkg/storage"
	"everecho/pkg/store"
	"everecho/pkg/trainer"
)

const (
	uploadKeyPrefix = "uploads/"
	playURLPrefix   = "/api/audio/play/"
)

// Config carries the tunables the service layer needs.
type Config struct {
	MaxUploadBytes     int64
	AllowedMimeTypes   []string
	ReadinessThreshold int
	ProgressStep       int
}

// App implements the voice preservation workflows on top of the store,
// the object store, the reply generator and the speech synthesizer.
type App struct {
	store       store.Store
	sessions    store.SessionStore
	objects     storage.ObjectStore
	generator   ai.TextGenerator
	synthesizer speech.Synthesizer
	notifier    trainer.Notifier

	maxUploadBytes     int64
	allowedMimeTypes   map[string]bool
	readinessThreshold int
	progressStep       int

	now func() time.Time
}

func New(
	st store.Store,
	sessions store.SessionStore,
	objects storage.ObjectStore,
	generator ai.TextGenerator,
	synthesizer speech.Synthesizer,
	notifier trainer.Notifier,
	cfg Config,
) *App {
	allowed := make(map[string]bool, len(cfg.AllowedMimeTypes))
	for _, mimeType := range cfg.AllowedMimeTypes {
		allowed[strings.ToLower(strings.TrimSpace(mimeType))] = true
	}
	if notifier == nil {
		notifier = trainer.NoopNotifier{}
	}
	return &App{
		store:              st,
		sessions:           sessions,
		objects:            objects,
		generator:          generator,
		synthesizer:        synthesizer,
		notifier:           notifier,
		maxUploadBytes:     cfg.MaxUploadBytes,
		allowedMimeTypes:   allowed,
		readinessThreshold: cfg.ReadinessThreshold,
		progressStep:       cfg.ProgressStep,
		now:                time.Now,
	}
}

// Signup registers a user and opens a session.
func (a *App) Signup(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, "", fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	taken, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", err
	}
	if taken {
		return domain.User{}, "", ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, "", err
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, found, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", err
	}
	if !found || !auth.CheckPassword(user.PasswordHash, password) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(_ context.Context, token string) error {
	return a.sessions.DeleteSession(token)
}

// Authenticate resolves a bearer token to a user id.
func (a *App) Authenticate(_ context.Context, token string) (string, bool, error) {
	return a.sessions.GetUserIDByToken(token)
}

// GetUser loads the account for the session user.
func (a *App) GetUser(ctx context.Context, userID string) (domain.User, error) {
	user, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// UploadAudio stores one audio sample and counts it toward the user's
// voice model. The training pipeline is notified best effort; a broker
// outage never fails the upload.
func (a *App) UploadAudio(ctx context.Context, userID, originalName, contentType string, size int64, duration float64, reader io.Reader) (domain.AudioFile, domain.VoiceModel, error) {
	contentType = normalizeMimeType(contentType)
	if !a.allowedMimeTypes[contentType] {
		return domain.AudioFile{}, domain.VoiceModel{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}
	if size <= 0 {
		return domain.AudioFile{}, domain.VoiceModel{}, fmt.Errorf("%w: empty upload", ErrValidation)
	}
	if a.maxUploadBytes > 0 && size > a.maxUploadBytes {
		return domain.AudioFile{}, domain.VoiceModel{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, a.maxUploadBytes)
	}
	if duration < 0 {
		duration = 0
	}

	filename := a.newAudioFilename(originalName, contentType)
	key := uploadKeyPrefix + filename
	if err := a.objects.Put(ctx, key, reader, size, contentType); err != nil {
		return domain.AudioFile{}, domain.VoiceModel{}, fmt.Errorf("store upload: %w", err)
	}

	now := a.now().UTC()
	file := domain.AudioFile{
		ID:           util.NewID(),
		UserID:       userID,
		Filename:     filename,
		OriginalName: originalName,
		StorageKey:   key,
		SizeBytes:    size,
		Duration:     duration,
		Quality:      "high",
		Metadata:     map[string]string{"mimeType": contentType},
		CreatedAt:    now,
	}
	if err := a.store.SaveAudioFile(ctx, file); err != nil {
		// No orphaned objects: the row is the source of truth.
		if cleanupErr := a.objects.Delete(ctx, key); cleanupErr != nil {
			slog.Warn("upload_cleanup_failed", "key", key, "error", cleanupErr)
		}
		return domain.AudioFile{}, domain.VoiceModel{}, err
	}

	model, err := a.store.RecordIngestedAudio(ctx, userID, file.Duration, a.progressStep, a.readinessThreshold)
	if err != nil {
		return domain.AudioFile{}, domain.VoiceModel{}, err
	}

	err = a.notifier.NotifyAudioIngested(ctx, trainer.Event{
		UserID:       userID,
		AudioFileID:  file.ID,
		StorageKey:   key,
		Duration:     file.Duration,
		TotalSamples: model.TotalAudioFiles,
	})
	if err != nil {
		slog.Warn("training_notify_failed", "user_id", userID, "error", err)
	}
	return file, model, nil
}

// ListAudioFiles returns the user's uploads, newest first.
func (a *App) ListAudioFiles(ctx context.Context, userID string) ([]domain.AudioFile, error) {
	return a.store.ListAudioFilesByUser(ctx, userID)
}

// DeleteAudioFile removes an upload the user owns. Files owned by other
// users are reported as missing. Voice model counters are not rolled
// back; training only moves forward.
func (a *App) DeleteAudioFile(ctx context.Context, userID, fileID string) error {
	file, found, err := a.store.GetAudioFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !found || file.UserID != userID {
		return ErrNotFound
	}
	if err := a.objects.Delete(ctx, file.StorageKey); err != nil {
		slog.Warn("delete_object_failed", "key", file.StorageKey, "error", err)
	}
	return a.store.DeleteAudioFile(ctx, fileID)
}

// GetVoiceModel returns the user's voice model. Before any upload it
// reports an unsaved training placeholder at zero progress.
func (a *App) GetVoiceModel(ctx context.Context, userID string) (domain.VoiceModel, error) {
	model, found, err := a.store.GetVoiceModelByUser(ctx, userID)
	if err != nil {
		return domain.VoiceModel{}, err
	}
	if !found {
		return domain.VoiceModel{
			UserID:   userID,
			Status:   domain.VoiceModelTraining,
			Progress: 0,
		}, nil
	}
	return model, nil
}

// ApplyTrainingVerdict handles a verdict from the training pipeline.
// Only failure verdicts change state; readiness is decided locally by
// the upload counter.
func (a *App) ApplyTrainingVerdict(ctx context.Context, verdict trainer.Verdict) error {
	if verdict.Status != string(domain.VoiceModelFailed) {
		return nil
	}
	if strings.TrimSpace(verdict.UserID) == "" {
		return fmt.Errorf("%w: verdict without user id", ErrValidation)
	}
	slog.Warn("voice_model_failed", "user_id", verdict.UserID, "reason", verdict.Reason)
	return a.store.SetVoiceModelStatus(ctx, verdict.UserID, domain.VoiceModelFailed)
}

// SavePersonality creates or replaces the user's persona profile.
func (a *App) SavePersonality(ctx context.Context, userID string, input domain.Personality) (domain.Personality, error) {
	if strings.TrimSpace(input.LovedOneName) == "" {
		return domain.Personality{}, fmt.Errorf("%w: lovedOneName is required", ErrValidation)
	}
	now := a.now().UTC()
	personality := domain.Personality{
		ID:               util.NewID(),
		UserID:           userID,
		LovedOneName:     strings.TrimSpace(input.LovedOneName),
		LovedOneRelation: strings.TrimSpace(input.LovedOneRelation),
		Traits:           input.Traits,
		Memories:         input.Memories,
		Preferences:      input.Preferences,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.UpsertPersonality(ctx, personality); err != nil {
		return domain.Personality{}, err
	}
	saved, found, err := a.store.GetPersonalityByUser(ctx, userID)
	if err != nil {
		return domain.Personality{}, err
	}
	if !found {
		return personality, nil
	}
	return saved, nil
}

// GetPersonality loads the user's persona profile.
func (a *App) GetPersonality(ctx context.Context, userID string) (domain.Personality, error) {
	personality, found, err := a.store.GetPersonalityByUser(ctx, userID)
	if err != nil {
		return domain.Personality{}, err
	}
	if !found {
		return domain.Personality{}, ErrNotFound
	}
	return personality, nil
}

// CreateChat opens a new conversation.
func (a *App) CreateChat(ctx context.Context, userID, title string) (domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Conversation"
	}
	now := a.now().UTC()
	chat := domain.Chat{
		ID:        util.NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateChat(ctx, chat); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

// ListChats returns the user's conversations, most recently active first.
func (a *App) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	return a.store.ListChatsByUser(ctx, userID)
}

// ListMessages returns a chat's messages in order.
func (a *App) ListMessages(ctx context.Context, userID, chatID string) ([]domain.Message, error) {
	if _, err := a.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return a.store.ListMessagesByChat(ctx, chatID)
}

// SendMessage appends the user's message, generates the persona reply and
// attaches a synthesized voice clip. It fails with ErrVoiceModelNotReady
// until enough audio samples were uploaded. Generation and synthesis
// failures both abort the exchange; the user message stays persisted.
func (a *App) SendMessage(ctx context.Context, userID, chatID, content string) (domain.Message, domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, domain.Message{}, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if _, err := a.ownedChat(ctx, userID, chatID); err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	model, found, err := a.store.GetVoiceModelByUser(ctx, userID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}
	if !found || model.Status != domain.VoiceModelReady {
		return domain.Message{}, domain.Message{}, ErrVoiceModelNotReady
	}

	history, err := a.store.ListMessagesByChat(ctx, chatID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	userMessage := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.AppendMessage(ctx, userMessage); err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	personality, _, err := a.store.GetPersonalityByUser(ctx, userID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}
	prompt := buildPersonaPrompt(personality)

	turns := make([]ai.Turn, 0, len(history))
	for _, message := range history {
		turns = append(turns, ai.Turn{Role: message.Role, Content: message.Content})
	}
	reply, err := a.generator.GenerateReply(ctx, prompt, turns, content)
	if err != nil {
		return domain.Message{}, domain.Message{}, fmt.Errorf("generate reply: %w", err)
	}

	var clip speech.Clip
	if a.synthesizer != nil {
		clip, err = a.synthesizer.Synthesize(ctx, reply)
		if err != nil {
			return domain.Message{}, domain.Message{}, fmt.Errorf("synthesize speech: %w", err)
		}
	}

	assistantMessage := domain.Message{
		ID:            util.NewID(),
		ChatID:        chatID,
		Role:          domain.RoleAssistant,
		Content:       reply,
		AudioURL:      clip.URL,
		AudioDuration: clip.Duration,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.store.AppendMessage(ctx, assistantMessage); err != nil {
		return domain.Message{}, domain.Message{}, err
	}
	if err := a.store.TouchChat(ctx, chatID); err != nil {
		slog.Warn("touch_chat_failed", "chat_id", chatID, "error", err)
	}
	return userMessage, assistantMessage, nil
}

// CreateMemoryCapsule archives a chat into a capsule. Empty chats cannot
// be archived; archiving the same chat twice makes two capsules.
func (a *App) CreateMemoryCapsule(ctx context.Context, userID, chatID, title, description, icon string) (domain.MemoryCapsule, error) {
	chat, err := a.ownedChat(ctx, userID, chatID)
	if err != nil {
		return domain.MemoryCapsule{}, err
	}
	messages, err := a.store.ListMessagesByChat(ctx, chatID)
	if err != nil {
		return domain.MemoryCapsule{}, err
	}
	if len(messages) == 0 {
		return domain.MemoryCapsule{}, fmt.Errorf("%w: cannot archive an empty conversation", ErrValidation)
	}

	var totalDuration float64
	for _, message := range messages {
		totalDuration += message.AudioDuration
	}
	if title = strings.TrimSpace(title); title == "" {
		title = chat.Title
	}
	if description = strings.TrimSpace(description); description == "" {
		description = truncate(messages[0].Content, 100)
	}
	capsule := domain.MemoryCapsule{
		ID:            util.NewID(),
		UserID:        userID,
		ChatID:        chatID,
		Title:         title,
		Description:   description,
		Icon:          strings.TrimSpace(icon),
		MessageCount:  len(messages),
		TotalDuration: totalDuration,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.store.SaveMemoryCapsule(ctx, capsule); err != nil {
		return domain.MemoryCapsule{}, err
	}
	return capsule, nil
}

// ListMemoryCapsules returns the user's capsules, newest first.
func (a *App) ListMemoryCapsules(ctx context.Context, userID string) ([]domain.MemoryCapsule, error) {
	return a.store.ListMemoryCapsulesByUser(ctx, userID)
}

// OpenClip streams a stored audio clip by public filename.
func (a *App) OpenClip(ctx context.Context, filename string) (io.ReadCloser, string, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, "", fmt.Errorf("%w: filename is required", ErrValidation)
	}
	reader, contentType, err := a.objects.Get(ctx, uploadKeyPrefix+filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return reader, contentType, nil
}

func (a *App) ownedChat(ctx context.Context, userID, chatID string) (domain.Chat, error) {
	chat, found, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !found || chat.UserID != userID {
		return domain.Chat{}, ErrNotFound
	}
	return chat, nil
}

// newAudioFilename builds collision-resistant names like
// audio-1712345678901-483920175.mp3.
func (a *App) newAudioFilename(originalName, contentType string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("audio-%d-%09d%s", a.now().UnixMilli(), rand.Intn(1_000_000_000), ext)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func normalizeMimeType(contentType string) string {
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(parsed)
}
