package speech

import "context"

// Clip is a synthesized speech artifact stored alongside uploaded audio.
type Clip struct {
	Filename string
	URL      string
	Duration float64
}

// Synthesizer turns persona reply text into a playable voice clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Clip, error)
}
