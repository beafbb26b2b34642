package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"everecho/pkg/storage"
)

const (
	clipPrefix      = "uploads/"
	playURLPrefix   = "/api/audio/play/"
	defaultTTSModel = string(openai.TTSModel1)
	defaultVoice    = string(openai.VoiceAlloy)
)

// OpenAISynthesizer renders replies to MP3 via the OpenAI speech API and
// stores the clip in the object store so the play endpoint can serve it.
type OpenAISynthesizer struct {
	client  *openai.Client
	objects storage.ObjectStore
	model   openai.SpeechModel
	voice   openai.SpeechVoice
}

func NewOpenAISynthesizer(apiKey, baseURL, model, voice string, objects storage.ObjectStore) (*OpenAISynthesizer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultTTSModel
	}
	if voice = strings.TrimSpace(voice); voice == "" {
		voice = defaultVoice
	}
	return &OpenAISynthesizer{
		client:  openai.NewClientWithConfig(cfg),
		objects: objects,
		model:   openai.SpeechModel(model),
		voice:   openai.SpeechVoice(voice),
	}, nil
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (Clip, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: s.model,
		Input: text,
		Voice: s.voice,
	})
	if err != nil {
		return Clip{}, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return Clip{}, fmt.Errorf("read speech stream: %w", err)
	}

	filename := newClipFilename()
	key := clipPrefix + filename
	err = s.objects.Put(ctx, key, bytes.NewReader(audio), int64(len(audio)), "audio/mpeg")
	if err != nil {
		return Clip{}, fmt.Errorf("store speech clip: %w", err)
	}
	return Clip{
		Filename: filename,
		URL:      playURLPrefix + filename,
		Duration: 0,
	}, nil
}

func newClipFilename() string {
	return fmt.Sprintf("speech_%d_%s.mp3", time.Now().UnixMilli(), uuid.NewString())
}
