package auth

import "errors"

// Key failures never reveal whether a key exists, with one exception: a
// revoked key is reported as such (PermissionDenied) so operators can tell an
// expired credential from a typo.
var (
	// ErrMissingKey means the call carried no x-api-key metadata.
	ErrMissingKey = errors.New("API key required in x-api-key metadata")

	// ErrInvalidKeyFormat means the key is not cf-v1-<secret_id>-<random>.
	ErrInvalidKeyFormat = errors.New("malformed API key")

	// ErrUnknownKey means no configured HMAC secret matches the key's secret id.
	ErrUnknownKey = errors.New("API key signed by an unknown secret")

	// ErrInvalidKey means the key's hash is not in the control database.
	ErrInvalidKey = errors.New("API key not recognised")

	// ErrKeyRevoked means the key exists but was revoked.
	ErrKeyRevoked = errors.New("API key revoked")
)
