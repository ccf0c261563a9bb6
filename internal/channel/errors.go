package channel

import "errors"

var (
	// ErrMalformedPayload is returned when a push lacks its message id or create time.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEnvelope is returned when a push cannot be decrypted or its signature
	// or verification token does not match.
	ErrEnvelope = errors.New("envelope verification failed")
	// ErrInvalidConfig is returned when an application's provider credentials are unusable.
	ErrInvalidConfig = errors.New("invalid provider config")
)
