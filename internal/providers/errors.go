package providers

import "errors"

// ErrUnknownProvider is returned when a selection names an unregistered provider
var ErrUnknownProvider = errors.New("unknown provider")
