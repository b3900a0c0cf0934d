package httpapi

import (
	"github.com/rs/zerolog"
)

// zlog is the optional structured logger for per-request lines. If unset,
// request logging is skipped entirely.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }
