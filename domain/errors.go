package domain

import "errors"

// ErrMalformedEvent is returned for change payloads that cannot be applied.
var ErrMalformedEvent = errors.New("malformed event")
