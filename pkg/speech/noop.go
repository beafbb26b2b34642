package speech

import (
	"bytes"
	"context"
	"fmt"

	"everecho/pkg/storage"
)

// NoopSynthesizer writes an empty placeholder clip. Used when no speech
// API key is configured, so chat keeps working without voice playback.
type NoopSynthesizer struct {
	objects storage.ObjectStore
}

func NewNoopSynthesizer(objects storage.ObjectStore) *NoopSynthesizer {
	return &NoopSynthesizer{objects: objects}
}

func (s *NoopSynthesizer) Synthesize(ctx context.Context, _ string) (Clip, error) {
	filename := newClipFilename()
	if s.objects != nil {
		key := clipPrefix + filename
		if err := s.objects.Put(ctx, key, bytes.NewReader(nil), 0, "audio/mpeg"); err != nil {
			return Clip{}, fmt.Errorf("store placeholder clip: %w", err)
		}
	}
	return Clip{
		Filename: filename,
		URL:      playURLPrefix + filename,
		Duration: 0,
	}, nil
}
