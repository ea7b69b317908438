package segcodec

import "errors"

// ErrCorrupt is returned when a segment file payload does not parse.
var ErrCorrupt = errors.New("corrupt segment payload")
