package domain

import "errors"

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrInvalidTimeframe  = errors.New("invalid timeframe")
	ErrNotFound          = errors.New("not found")
	ErrTransientIngest   = errors.New("transient ingest failure")
	ErrRecomputeFailure  = errors.New("recompute failure")
	ErrAgentExists       = errors.New("agent already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
)
