package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"everecho/pkg/ai"
	"everecho/pkg/domain"
	"everecho/pkg/speech"
	"everecho/pkg/storage"
	"everecho/pkg/store"
	"everecho/pkg/trainer"
)

func trainerVerdict(userID, status string) trainer.Verdict {
	return trainer.Verdict{UserID: userID, Status: status, Reason: "test"}
}

type echoGenerator struct {
	lastPrompt string
}

func (g *echoGenerator) GenerateReply(_ context.Context, systemPrompt string, _ []ai.Turn, userMessage string) (string, error) {
	g.lastPrompt = systemPrompt
	return "I remember that too, sweetheart. " + userMessage, nil
}

type failingSynthesizer struct{}

func (failingSynthesizer) Synthesize(context.Context, string) (speech.Clip, error) {
	return speech.Clip{}, errors.New("tts unavailable")
}

func testConfig() Config {
	return Config{
		MaxUploadBytes:     1 << 20,
		AllowedMimeTypes:   []string{"audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/wav"},
		ReadinessThreshold: 5,
		ProgressStep:       10,
	}
}

func newTestAppOn(t *testing.T, ms *store.MemoryStore, synth speech.Synthesizer) (*App, *echoGenerator) {
	t.Helper()
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	sessions, err := store.NewJWTSessionStore("0123456789abcdef0123456789abcdef", "everecho-test", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	if synth == nil {
		synth = speech.NewNoopSynthesizer(objects)
	}
	generator := &echoGenerator{}
	return New(ms, sessions, objects, generator, synth, nil, testConfig()), generator
}

func newTestApp(t *testing.T) (*App, *echoGenerator) {
	t.Helper()
	return newTestAppOn(t, store.NewMemoryStore(), nil)
}

func signupUser(t *testing.T, a *App, email string) domain.User {
	t.Helper()
	user, _, err := a.Signup(context.Background(), email, "long enough password")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	return user
}

func uploadClip(t *testing.T, a *App, userID string) (domain.AudioFile, domain.VoiceModel) {
	t.Helper()
	payload := "fake mp3 bytes"
	file, model, err := a.UploadAudio(context.Background(), userID, "memories.mp3", "audio/mpeg", int64(len(payload)), 4.5, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return file, model
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	a, _ := newTestApp(t)
	signupUser(t, a, "grace@example.com")
	_, _, err := a.Signup(context.Background(), "grace@example.com", "another password")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	a, _ := newTestApp(t)
	signupUser(t, a, "grace@example.com")
	_, _, err := a.Login(context.Background(), "grace@example.com", "wrong password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestUploadAdvancesVoiceModel(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")

	for i := 1; i <= 4; i++ {
		_, model := uploadClip(t, a, user.ID)
		if model.TotalAudioFiles != i {
			t.Fatalf("upload %d: count %d", i, model.TotalAudioFiles)
		}
		if model.Progress != i*10 {
			t.Fatalf("upload %d: progress %d", i, model.Progress)
		}
		if model.Status != domain.VoiceModelTraining {
			t.Fatalf("upload %d: status %q before threshold", i, model.Status)
		}
	}

	_, model := uploadClip(t, a, user.ID)
	if model.TotalAudioFiles != 5 || model.Status != domain.VoiceModelReady {
		t.Fatalf("fifth upload should flip to ready, got %+v", model)
	}
	if model.Progress != 50 {
		t.Fatalf("progress should be 50 after five uploads, got %d", model.Progress)
	}
	if model.TotalDuration != 22.5 {
		t.Fatalf("durations should accumulate, got %v", model.TotalDuration)
	}
}

func TestUploadProgressCapsAt100(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	var model domain.VoiceModel
	for i := 0; i < 12; i++ {
		_, model = uploadClip(t, a, user.ID)
	}
	if model.Progress != 100 {
		t.Fatalf("progress should cap at 100, got %d", model.Progress)
	}
	if model.TotalAudioFiles != 12 {
		t.Fatalf("count should keep rising, got %d", model.TotalAudioFiles)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	_, _, err := a.UploadAudio(context.Background(), user.ID, "notes.txt", "text/plain", 10, 0, strings.NewReader("0123456789"))
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected ErrUnsupportedMedia, got %v", err)
	}
}

func TestUploadRejectsOversizeBeforePersisting(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")

	tooBig := testConfig().MaxUploadBytes + 1
	_, _, err := a.UploadAudio(context.Background(), user.ID, "memories.mp3", "audio/mpeg", tooBig, 0, strings.NewReader("x"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for oversize upload, got %v", err)
	}

	files, err := a.ListAudioFiles(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("oversize upload must not create a file record, got %d", len(files))
	}
	model, err := a.GetVoiceModel(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get voice model: %v", err)
	}
	if model.TotalAudioFiles != 0 || model.Progress != 0 {
		t.Fatalf("oversize upload must not touch counters, got %+v", model)
	}
}

func TestDeleteForeignAudioLooksMissing(t *testing.T) {
	a, _ := newTestApp(t)
	owner := signupUser(t, a, "grace@example.com")
	other := signupUser(t, a, "intruder@example.com")
	file, _ := uploadClip(t, a, owner.ID)

	if err := a.DeleteAudioFile(context.Background(), other.ID, file.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign file, got %v", err)
	}

	files, err := a.ListAudioFiles(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("owner's file should survive, got %d files", len(files))
	}
}

func TestDeleteDoesNotRewindTraining(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	var lastFile domain.AudioFile
	for i := 0; i < 5; i++ {
		lastFile, _ = uploadClip(t, a, user.ID)
	}
	if err := a.DeleteAudioFile(context.Background(), user.ID, lastFile.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	model, err := a.GetVoiceModel(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get voice model: %v", err)
	}
	if model.Status != domain.VoiceModelReady || model.TotalAudioFiles != 5 {
		t.Fatalf("training must not rewind on delete, got %+v", model)
	}
}

func TestGetVoiceModelBeforeFirstUpload(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	model, err := a.GetVoiceModel(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get voice model: %v", err)
	}
	if model.Status != domain.VoiceModelTraining || model.Progress != 0 || model.TotalAudioFiles != 0 {
		t.Fatalf("expected zero training placeholder, got %+v", model)
	}
}

func TestSendMessageRequiresReadyModel(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	chat, err := a.CreateChat(context.Background(), user.ID, "First talk")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	uploadClip(t, a, user.ID)

	_, _, err = a.SendMessage(context.Background(), user.ID, chat.ID, "hello?")
	if !errors.Is(err, ErrVoiceModelNotReady) {
		t.Fatalf("expected ErrVoiceModelNotReady, got %v", err)
	}
}

func TestSendMessageConversation(t *testing.T) {
	a, generator := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	for i := 0; i < 5; i++ {
		uploadClip(t, a, user.ID)
	}
	_, err := a.SavePersonality(context.Background(), user.ID, domain.Personality{
		LovedOneName:     "Rose",
		LovedOneRelation: "grandmother",
		Traits:           map[string]string{"humor": "gentle teasing"},
		Memories:         map[string]string{"garden": "Sunday mornings among the tomatoes"},
	})
	if err != nil {
		t.Fatalf("save personality: %v", err)
	}
	chat, err := a.CreateChat(context.Background(), user.ID, "Sunday mornings")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	userMsg, reply, err := a.SendMessage(context.Background(), user.ID, chat.ID, "Do you remember the garden?")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if userMsg.Role != domain.RoleUser || reply.Role != domain.RoleAssistant {
		t.Fatalf("unexpected roles: %q %q", userMsg.Role, reply.Role)
	}
	if !strings.Contains(reply.Content, "Do you remember the garden?") {
		t.Fatalf("generator output lost: %q", reply.Content)
	}
	if !strings.HasPrefix(reply.AudioURL, "/api/audio/play/") {
		t.Fatalf("reply should carry a playable clip url, got %q", reply.AudioURL)
	}
	if !strings.Contains(generator.lastPrompt, "Rose") || !strings.Contains(generator.lastPrompt, "grandmother") {
		t.Fatalf("persona prompt missing profile: %q", generator.lastPrompt)
	}
	if !strings.Contains(generator.lastPrompt, "garden: Sunday mornings among the tomatoes") {
		t.Fatalf("persona prompt missing memories: %q", generator.lastPrompt)
	}

	messages, err := a.ListMessages(context.Background(), user.ID, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(messages))
	}
}

func TestSendMessageSynthesisFailureAborts(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTestAppOn(t, ms, failingSynthesizer{})
	user := signupUser(t, a, "grace@example.com")
	for i := 0; i < 5; i++ {
		uploadClip(t, a, user.ID)
	}
	chat, err := a.CreateChat(context.Background(), user.ID, "Talk")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	_, _, err = a.SendMessage(context.Background(), user.ID, chat.ID, "hello?")
	if err == nil {
		t.Fatalf("synthesis failure must fail the exchange")
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVoiceModelNotReady) {
		t.Fatalf("synthesis failure must surface as an upstream error, got %v", err)
	}

	// The user's message stays; no assistant turn is persisted.
	messages, err := a.ListMessages(context.Background(), user.ID, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != domain.RoleUser {
		t.Fatalf("expected only the persisted user message, got %+v", messages)
	}
}

func TestListMessagesForeignChat(t *testing.T) {
	a, _ := newTestApp(t)
	owner := signupUser(t, a, "grace@example.com")
	other := signupUser(t, a, "intruder@example.com")
	chat, err := a.CreateChat(context.Background(), owner.ID, "Private")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := a.ListMessages(context.Background(), other.ID, chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign chat, got %v", err)
	}
}

func TestMemoryCapsuleMath(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	for i := 0; i < 5; i++ {
		uploadClip(t, a, user.ID)
	}
	chat, err := a.CreateChat(context.Background(), user.ID, "Stories")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := a.SendMessage(context.Background(), user.ID, chat.ID, "tell me more"); err != nil {
			t.Fatalf("send message: %v", err)
		}
	}

	capsule, err := a.CreateMemoryCapsule(context.Background(), user.ID, chat.ID, "", "our stories", "heart")
	if err != nil {
		t.Fatalf("create capsule: %v", err)
	}
	if capsule.MessageCount != 6 {
		t.Fatalf("expected 6 messages counted, got %d", capsule.MessageCount)
	}
	if capsule.Title != "Stories" {
		t.Fatalf("empty title should fall back to chat title, got %q", capsule.Title)
	}

	// Archiving twice is allowed and yields two capsules.
	if _, err := a.CreateMemoryCapsule(context.Background(), user.ID, chat.ID, "again", "", ""); err != nil {
		t.Fatalf("second capsule: %v", err)
	}
	capsules, err := a.ListMemoryCapsules(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("list capsules: %v", err)
	}
	if len(capsules) != 2 {
		t.Fatalf("expected 2 capsules, got %d", len(capsules))
	}
}

func TestMemoryCapsuleTotalDuration(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTestAppOn(t, ms, nil)
	user := signupUser(t, a, "grace@example.com")
	chat, err := a.CreateChat(context.Background(), user.ID, "Stories")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// Mixed turns: user messages carry no audio, assistant clips do.
	turns := []domain.Message{
		{ID: "m1", ChatID: chat.ID, Role: domain.RoleUser, Content: "tell me about the lake"},
		{ID: "m2", ChatID: chat.ID, Role: domain.RoleAssistant, Content: "we swam every June", AudioDuration: 3.5},
		{ID: "m3", ChatID: chat.ID, Role: domain.RoleUser, Content: "and the rowboat?"},
		{ID: "m4", ChatID: chat.ID, Role: domain.RoleAssistant, Content: "leaky but loved", AudioDuration: 1.25},
	}
	for _, message := range turns {
		if err := ms.AppendMessage(context.Background(), message); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	capsule, err := a.CreateMemoryCapsule(context.Background(), user.ID, chat.ID, "", "", "")
	if err != nil {
		t.Fatalf("create capsule: %v", err)
	}
	if capsule.MessageCount != 4 {
		t.Fatalf("expected 4 messages counted, got %d", capsule.MessageCount)
	}
	if capsule.TotalDuration != 4.75 {
		t.Fatalf("expected summed clip durations 4.75, got %v", capsule.TotalDuration)
	}
}

func TestMemoryCapsuleRejectsEmptyChat(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	chat, err := a.CreateChat(context.Background(), user.ID, "Silence")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := a.CreateMemoryCapsule(context.Background(), user.ID, chat.ID, "", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty chat, got %v", err)
	}
}

func TestApplyTrainingVerdict(t *testing.T) {
	a, _ := newTestApp(t)
	user := signupUser(t, a, "grace@example.com")
	for i := 0; i < 5; i++ {
		uploadClip(t, a, user.ID)
	}

	// Non-failure verdicts are ignored.
	if err := a.ApplyTrainingVerdict(context.Background(), trainerVerdict(user.ID, "ready")); err != nil {
		t.Fatalf("ready verdict: %v", err)
	}
	model, _ := a.GetVoiceModel(context.Background(), user.ID)
	if model.Status != domain.VoiceModelReady {
		t.Fatalf("ready verdict must not change status, got %q", model.Status)
	}

	if err := a.ApplyTrainingVerdict(context.Background(), trainerVerdict(user.ID, "failed")); err != nil {
		t.Fatalf("failed verdict: %v", err)
	}
	model, _ = a.GetVoiceModel(context.Background(), user.ID)
	if model.Status != domain.VoiceModelFailed {
		t.Fatalf("failed verdict should mark model failed, got %q", model.Status)
	}
}

func TestOpenClipMissing(t *testing.T) {
	a, _ := newTestApp(t)
	if _, _, err := a.OpenClip(context.Background(), "nope.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
