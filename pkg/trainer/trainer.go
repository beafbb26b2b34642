// Package trainer connects the API to the voice training pipeline over
// AMQP. Accepted uploads are published as training events; the pipeline
// reports back verdicts that can mark a voice model as failed.
package trainer

import "context"

// Event announces one accepted audio upload to the training pipeline.
type Event struct {
	UserID       string  `json:"userId"`
	AudioFileID  string  `json:"audioFileId"`
	StorageKey   string  `json:"storageKey"`
	Duration     float64 `json:"duration"`
	TotalSamples int     `json:"totalSamples"`
}

// Verdict is the pipeline's judgement on a user's training run.
type Verdict struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Notifier publishes training events. Publishing is best effort, the
// upload itself must not fail because the broker is down.
type Notifier interface {
	NotifyAudioIngested(ctx context.Context, event Event) error
	Close() error
}

// NoopNotifier drops events. Used when no broker is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyAudioIngested(context.Context, Event) error { return nil }
func (NoopNotifier) Close() error                                     { return nil }
