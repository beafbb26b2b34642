package app

import "errors"

var (
	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = errors.New("email is already registered")

	// ErrInvalidCredentials is returned on bad email or password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrNotFound covers resources that do not exist or belong to another
	// user. Both cases look identical to the caller.
	ErrNotFound = errors.New("resource not found")

	// ErrVoiceModelNotReady blocks chat until enough audio is uploaded.
	ErrVoiceModelNotReady = errors.New("voice model is not ready")

	// ErrValidation marks client input the service refuses to process.
	ErrValidation = errors.New("invalid request")

	// ErrUnsupportedMedia is returned for uploads outside the audio
	// formats the trainer accepts.
	ErrUnsupportedMedia = errors.New("unsupported audio format")
)
