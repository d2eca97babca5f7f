package govguide

import "errors"

// ErrInvalidConfig is returned by New for configuration the service
// cannot start with. Errors from individual subsystems carry their own
// package sentinels (store, decode, crawler, batch, prompts, retrieval).
var ErrInvalidConfig = errors.New("govguide: invalid configuration")
