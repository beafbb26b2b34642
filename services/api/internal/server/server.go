package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"everecho/internal/util"
	"everecho/pkg/domain"
	"everecho/services/api/internal/app"
)

// RateLimiter gates a request class by key.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures per-route limits. Nil limiters disable limiting,
// which tests rely on.
type Options struct {
	MaxUploadBytes int64
	AuthLimiter    RateLimiter
	UploadLimiter  RateLimiter
	ChatLimiter    RateLimiter
}

// Server exposes the REST API.
type Server struct {
	app  *app.App
	mux  *http.ServeMux
	opts Options
}

func New(application *app.App, opts Options) *Server {
	s := &Server{
		app:  application,
		mux:  http.NewServeMux(),
		opts: opts,
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("api",
			util.WithSecurityHeaders(
				util.WithCORS(s.mux),
			),
		),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/user", s.authenticated(s.handleGetUser))

	s.mux.HandleFunc("POST /api/audio", s.authenticated(s.handleUploadAudio))
	s.mux.HandleFunc("GET /api/audio/files", s.authenticated(s.handleListAudio))
	s.mux.HandleFunc("DELETE /api/audio/{id}", s.authenticated(s.handleDeleteAudio))
	s.mux.HandleFunc("GET /api/audio/play/{name}", s.handlePlayAudio)

	s.mux.HandleFunc("GET /api/voice-model", s.authenticated(s.handleGetVoiceModel))

	s.mux.HandleFunc("POST /api/personality", s.authenticated(s.handleSavePersonality))
	s.mux.HandleFunc("GET /api/personality", s.authenticated(s.handleGetPersonality))

	s.mux.HandleFunc("POST /api/chats", s.authenticated(s.handleCreateChat))
	s.mux.HandleFunc("GET /api/chats", s.authenticated(s.handleListChats))
	s.mux.HandleFunc("GET /api/chats/{id}/messages", s.authenticated(s.handleListMessages))
	s.mux.HandleFunc("POST /api/chats/{id}/messages", s.authenticated(s.handleSendMessage))

	s.mux.HandleFunc("POST /api/memory-capsules", s.authenticated(s.handleCreateCapsule))
	s.mux.HandleFunc("GET /api/memory-capsules", s.authenticated(s.handleListCapsules))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allow(s.opts.AuthLimiter, util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, token, err := s.app.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(s.opts.AuthLimiter, util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			slog.Warn("security_event",
				"event", "login_failed",
				"ip", util.ClientIP(r),
				"request_id", util.RequestIDFromRequest(r),
			)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := s.app.GetUser(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type uploadResponse struct {
	AudioFile  domain.AudioFile  `json:"audioFile"`
	VoiceModel domain.VoiceModel `json:"voiceModel"`
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(s.opts.UploadLimiter, userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+(1<<20))
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file field is required")
		return
	}
	defer file.Close()

	// Clients may report the recording length alongside the bytes.
	duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)

	uploaded, model, err := s.app.UploadAudio(
		r.Context(),
		userID,
		header.Filename,
		header.Header.Get("Content-Type"),
		header.Size,
		duration,
		file,
	)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{AudioFile: uploaded, VoiceModel: model})
}

func (s *Server) handleListAudio(w http.ResponseWriter, r *http.Request, userID string) {
	files, err := s.app.ListAudioFiles(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteAudio(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.app.DeleteAudioFile(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePlayAudio(w http.ResponseWriter, r *http.Request) {
	clip, contentType, err := s.app.OpenClip(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer clip.Close()
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, clip); err != nil {
		slog.Warn("clip_stream_interrupted", "error", err)
	}
}

func (s *Server) handleGetVoiceModel(w http.ResponseWriter, r *http.Request, userID string) {
	model, err := s.app.GetVoiceModel(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

type personalityRequest struct {
	LovedOneName     string            `json:"lovedOneName"`
	LovedOneRelation string            `json:"lovedOneRelation"`
	Traits           map[string]string `json:"traits"`
	Memories         map[string]string `json:"memories"`
	Preferences      map[string]string `json:"preferences"`
}

func (s *Server) handleSavePersonality(w http.ResponseWriter, r *http.Request, userID string) {
	var req personalityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	personality, err := s.app.SavePersonality(r.Context(), userID, domain.Personality{
		LovedOneName:     req.LovedOneName,
		LovedOneRelation: req.LovedOneRelation,
		Traits:           req.Traits,
		Memories:         req.Memories,
		Preferences:      req.Preferences,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, personality)
}

func (s *Server) handleGetPersonality(w http.ResponseWriter, r *http.Request, userID string) {
	personality, err := s.app.GetPersonality(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, personality)
}

type createChatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chat, err := s.app.CreateChat(r.Context(), userID, req.Title)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := s.app.ListChats(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	messages, err := s.app.ListMessages(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	UserMessage domain.Message `json:"userMessage"`
	AIMessage   domain.Message `json:"aiMessage"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(s.opts.ChatLimiter, userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userMessage, assistantMessage, err := s.app.SendMessage(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{
		UserMessage: userMessage,
		AIMessage:   assistantMessage,
	})
}

type createCapsuleRequest struct {
	ChatID      string `json:"chatId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request, userID string) {
	var req createCapsuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	capsule, err := s.app.CreateMemoryCapsule(r.Context(), userID, req.ChatID, req.Title, req.Description, req.Icon)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, capsule)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request, userID string) {
	capsules, err := s.app.ListMemoryCapsules(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, capsules)
}

// authenticated resolves the bearer token and passes the user id through.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, ok, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			slog.Warn("security_event",
				"event", "invalid_token",
				"ip", util.ClientIP(r),
				"request_id", util.RequestIDFromRequest(r),
			)
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) allow(limiter RateLimiter, key string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(key)
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrUnsupportedMedia):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrVoiceModelNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request_failed",
			"path", r.URL.Path,
			"request_id", util.RequestIDFromRequest(r),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write_response_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
