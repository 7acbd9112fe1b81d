package cfg

import "time"

// Duration is a config-friendly alias of time.Duration so the zero
// value (no ini tag present) is visibly distinct from "0s" in the
// struct literals above.
type Duration int64

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }
