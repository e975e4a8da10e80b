package pristine

import "errors"

// ErrNotFound is returned when a requested node, channel, or remote does not
// exist.
var ErrNotFound = errors.New("pristine: not found")

// ErrCorrupt signals a violated store invariant: an orphan edge, a missing
// internal mapping, or a damaged root. Fatal for the containing operation.
var ErrCorrupt = errors.New("pristine: corrupted store")

// ErrTypeMismatch is returned when a node is registered or asserted with a
// node type different from the one already recorded.
var ErrTypeMismatch = errors.New("pristine: node type mismatch")
