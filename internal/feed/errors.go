package feed

import "errors"

var ErrCancelled = errors.New("subscription cancelled")
