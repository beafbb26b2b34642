package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"everecho/pkg/ai"
	"everecho/pkg/speech"
	"everecho/pkg/storage"
	"everecho/pkg/store"
	"everecho/services/api/internal/app"
)

type staticGenerator struct{}

func (staticGenerator) GenerateReply(context.Context, string, []ai.Turn, string) (string, error) {
	return "Of course I remember, dear.", nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	sessions, err := store.NewJWTSessionStore("0123456789abcdef0123456789abcdef", "everecho-test", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	application := app.New(
		store.NewMemoryStore(),
		sessions,
		objects,
		staticGenerator{},
		speech.NewNoopSynthesizer(objects),
		nil,
		app.Config{
			MaxUploadBytes:     1 << 20,
			AllowedMimeTypes:   []string{"audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/wav"},
			ReadinessThreshold: 5,
			ProgressStep:       10,
		},
	)
	ts := httptest.NewServer(New(application, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, payload any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, fields
}

func signupSession(t *testing.T, ts *httptest.Server, email string) string {
	t.Helper()
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": "long enough password",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d", resp.StatusCode)
	}
	var token string
	if err := json.Unmarshal(fields["token"], &token); err != nil || token == "" {
		t.Fatalf("missing session token: %v", err)
	}
	return token
}

func uploadAudio(t *testing.T, ts *httptest.Server, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="audio"; filename="memories.mp3"`)
	header.Set("Content-Type", "audio/mpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("fake mp3 bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/audio", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/api/audio/files", "/api/voice-model", "/api/chats", "/api/memory-capsules", "/api/personality"} {
		resp, fields := doJSON(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if _, ok := fields["message"]; !ok {
			t.Fatalf("%s: error body must carry message field", path)
		}
	}
}

func TestSignupLoginAndGetUser(t *testing.T) {
	ts := newTestServer(t, Options{})
	signupSession(t, ts, "grace@example.com")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "grace@example.com",
		"password": "long enough password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var token string
	if err := json.Unmarshal(fields["token"], &token); err != nil {
		t.Fatalf("missing token: %v", err)
	}

	resp, fields = doJSON(t, http.MethodGet, ts.URL+"/api/auth/user", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get user status %d", resp.StatusCode)
	}
	var email string
	if err := json.Unmarshal(fields["email"], &email); err != nil || email != "grace@example.com" {
		t.Fatalf("unexpected user payload: %v %q", err, email)
	}
	if _, leaked := fields["passwordHash"]; leaked {
		t.Fatalf("password hash must never be serialized")
	}
}

func TestLoginWrongPasswordReturns401(t *testing.T) {
	ts := newTestServer(t, Options{})
	signupSession(t, ts, "grace@example.com")
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "grace@example.com",
		"password": "wrong password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDuplicateSignupReturns409(t *testing.T) {
	ts := newTestServer(t, Options{})
	signupSession(t, ts, "grace@example.com")
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]string{
		"email":    "grace@example.com",
		"password": "long enough password",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestUploadFlowToReadyModel(t *testing.T) {
	ts := newTestServer(t, Options{})
	token := signupSession(t, ts, "grace@example.com")

	for i := 0; i < 5; i++ {
		resp := uploadAudio(t, ts, token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload %d status %d", i+1, resp.StatusCode)
		}
	}

	resp, fields := doJSON(t, http.MethodGet, ts.URL+"/api/voice-model", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("voice model status %d", resp.StatusCode)
	}
	var status string
	if err := json.Unmarshal(fields["status"], &status); err != nil || status != "ready" {
		t.Fatalf("expected ready model, got %q (%v)", status, err)
	}
	var progress int
	if err := json.Unmarshal(fields["progress"], &progress); err != nil || progress != 50 {
		t.Fatalf("expected progress 50, got %d (%v)", progress, err)
	}
}

func TestChatBeforeReadyReturns409(t *testing.T) {
	ts := newTestServer(t, Options{})
	token := signupSession(t, ts, "grace@example.com")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/chats", token, map[string]string{"title": "First"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat status %d", resp.StatusCode)
	}
	var chatID string
	if err := json.Unmarshal(fields["id"], &chatID); err != nil {
		t.Fatalf("missing chat id: %v", err)
	}

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/chats/%s/messages", ts.URL, chatID), token, map[string]string{
		"content": "hello?",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before ready, got %d", resp.StatusCode)
	}
}

func TestConversationAndCapsule(t *testing.T) {
	ts := newTestServer(t, Options{})
	token := signupSession(t, ts, "grace@example.com")
	for i := 0; i < 5; i++ {
		uploadAudio(t, ts, token)
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/personality", token, map[string]any{
		"lovedOneName":     "Rose",
		"lovedOneRelation": "grandmother",
		"traits":           map[string]string{"humor": "gentle"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save personality status %d", resp.StatusCode)
	}

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/chats", token, map[string]string{"title": "Sundays"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat status %d", resp.StatusCode)
	}
	var chatID string
	if err := json.Unmarshal(fields["id"], &chatID); err != nil {
		t.Fatalf("missing chat id: %v", err)
	}

	resp, fields = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/chats/%s/messages", ts.URL, chatID), token, map[string]string{
		"content": "Do you remember the garden?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message status %d", resp.StatusCode)
	}
	var assistant struct {
		Content  string `json:"content"`
		AudioURL string `json:"audioUrl"`
	}
	if err := json.Unmarshal(fields["aiMessage"], &assistant); err != nil {
		t.Fatalf("decode ai message: %v", err)
	}
	if assistant.Content == "" || !strings.HasPrefix(assistant.AudioURL, "/api/audio/play/") {
		t.Fatalf("unexpected assistant message: %+v", assistant)
	}

	// The synthesized clip is publicly playable.
	clipResp, err := http.Get(ts.URL + assistant.AudioURL)
	if err != nil {
		t.Fatalf("play clip: %v", err)
	}
	defer clipResp.Body.Close()
	if clipResp.StatusCode != http.StatusOK {
		t.Fatalf("play clip status %d", clipResp.StatusCode)
	}

	resp, fields = doJSON(t, http.MethodPost, ts.URL+"/api/memory-capsules", token, map[string]string{
		"chatId":      chatID,
		"description": "our talks",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create capsule status %d", resp.StatusCode)
	}
	var count int
	if err := json.Unmarshal(fields["messageCount"], &count); err != nil || count != 2 {
		t.Fatalf("expected 2 messages in capsule, got %d (%v)", count, err)
	}
}

func TestForeignChatLooksMissing(t *testing.T) {
	ts := newTestServer(t, Options{})
	ownerToken := signupSession(t, ts, "grace@example.com")
	intruderToken := signupSession(t, ts, "intruder@example.com")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/chats", ownerToken, map[string]string{"title": "Private"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat status %d", resp.StatusCode)
	}
	var chatID string
	if err := json.Unmarshal(fields["id"], &chatID); err != nil {
		t.Fatalf("missing chat id: %v", err)
	}

	resp, _ = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/chats/%s/messages", ts.URL, chatID), intruderToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign chat must look missing, got %d", resp.StatusCode)
	}
}

func TestRateLimitedSignup(t *testing.T) {
	ts := newTestServer(t, Options{AuthLimiter: denyAllLimiter{}})
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]string{
		"email":    "grace@example.com",
		"password": "long enough password",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestMissingClipReturns404(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/api/audio/play/ghost.mp3")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
