package task

import "errors"

// ErrConfiguration marks malformed templates, unknown task kinds and
// missing required directives. Configuration errors are fatal to the
// owning chain; execution errors never are.
var ErrConfiguration = errors.New("configuration error")

// ErrTerminated is recorded when a task or chain is cooperatively
// cancelled before reaching a natural terminal status.
var ErrTerminated = errors.New("terminated")
