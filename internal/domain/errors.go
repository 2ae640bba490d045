package domain

import "errors"

var (
	ErrConfigurationMissing = errors.New("provider configuration missing")
	ErrTransport            = errors.New("provider transport failure")
	ErrProviderRejected     = errors.New("provider rejected request")
	ErrPairingTimedOut      = errors.New("pairing timed out")
	ErrAttachmentUpload     = errors.New("attachment upload failed")

	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already exists")
	ErrWebhookExists    = errors.New("webhook already configured")
	ErrWebhookNotFound  = errors.New("webhook not configured")

	ErrMissingFields  = errors.New("missing required fields")
	ErrInvalidName    = errors.New("invalid instance name")
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidEvents  = errors.New("invalid webhook events")
	ErrInvalidMessage = errors.New("invalid message")
)
