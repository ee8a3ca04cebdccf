package agent

import "errors"

// ErrAllModelsFailed indicates every model id in the session's fallback
// list raised an exception when creating a stream (spec.md §4.2's
// model-fallback step).
var ErrAllModelsFailed = errors.New("all fallback models failed to create a stream")
