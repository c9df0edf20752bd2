package autoblock

import "time"

// LogEvent represents a single log line with metadata.
type LogEvent struct {
	Line      string
	Source    string    // file name
	Timestamp time.Time // when it was read
}
