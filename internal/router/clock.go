package router

import "time"

// timeNow is overridable in tests that need deterministic timestamps.
var timeNow = time.Now
